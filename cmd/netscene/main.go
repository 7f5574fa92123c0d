package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/netscene/netscene/internal/config"
	"github.com/netscene/netscene/internal/core/event"
	"github.com/netscene/netscene/internal/core/role"
	coresys "github.com/netscene/netscene/internal/core/system"
	"github.com/netscene/netscene/internal/data"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/journal"
	gonet "github.com/netscene/netscene/internal/net"
	"github.com/netscene/netscene/internal/net/packet"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/persist"
	"github.com/netscene/netscene/internal/replication"
	"github.com/netscene/netscene/internal/scene"
	"github.com/netscene/netscene/internal/scripting"
	"github.com/netscene/netscene/internal/session"
	"github.com/netscene/netscene/internal/spawn"
	"github.com/netscene/netscene/internal/system"
	"github.com/pkg/profile"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(r role.Role) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m             netscene  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m        場景同步 · Go 主機/客戶端          \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m角色:\033[0m %s\n\n", r)
}

// displayWidth counts CJK runes as two columns.
func displayWidth(s string) int {
	w := 0
	for _, r := range s {
		if r > 0x7F {
			w += 2
		} else {
			w++
		}
	}
	return w
}

func printSection(title string) {
	lineLen := 46 - displayWidth(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - displayWidth(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main loop ─────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfg, err := config.Load(config.Path(), true)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	startRole, err := role.Parse(cfg.Session.Role)
	if err != nil {
		return err
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if stop := startProfile(cfg.Profile); stop != nil {
		defer stop()
	}

	printBanner(startRole)

	// 3. Optional persistence
	printSection("資料庫")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var spawnRepo *persist.SpawnRepo
	db, err := persist.NewDB(ctx, cfg.Database, log)
	switch {
	case errors.Is(err, persist.ErrNoDriver):
		printOK("持久化停用")
	case err != nil:
		return fmt.Errorf("database: %w", err)
	default:
		defer db.Close()
		if err := persist.RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		spawnRepo = persist.NewSpawnRepo(db)
		printOK(fmt.Sprintf("%s 連線成功，遷移完成", db.Driver()))
	}
	fmt.Println()

	// 4. Scene manifest and scripts
	printSection("資料載入")
	manifest, err := data.LoadManifest(cfg.Scene.Manifest)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	printStat("腳本型別", len(manifest.Types))
	printStat("網路事件", len(manifest.Events))
	printStat("預製物件", manifest.PrefabCount())
	printStat("生成點", len(manifest.SpawnPoints))

	engine := scripting.NewEngine(log)
	defer engine.Close()
	if err := scene.LoadScripts(engine, manifest, cfg.Scene.Scripts); err != nil {
		return fmt.Errorf("load scripts: %w", err)
	}
	printOK("Lua 腳本載入完成")
	fmt.Println()

	// 5. Replication components
	decls, err := manifest.Declarations()
	if err != nil {
		return fmt.Errorf("declarations: %w", err)
	}
	sc, err := scene.New(manifest, engine, log)
	if err != nil {
		return fmt.Errorf("scene: %w", err)
	}
	bus := event.NewBus()
	ids := identity.NewRegistry(log)
	dir := replication.NewDirectory(decls, ids, sc, log)
	router := netevent.NewRouter(ids, sc, log)
	spawner := spawn.NewCoordinator(ids, dir, router, sc, bus, log)

	charset, err := packet.LookupCharset(cfg.Network.StringEncoding)
	if err != nil {
		return err
	}
	sess := session.New(session.Config{
		Transport:         cfg.Network.Transport,
		BindHost:          cfg.Network.BindHost,
		FallbackAttempts:  cfg.Session.PortFallbackAttempts,
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		TickRate:          cfg.Network.TicksPerSecond(),
		MaxPacketsPerTick: cfg.Network.MaxPacketsPerTick,
		Password:          cfg.Session.Password,
		PasswordHash:      cfg.Session.PasswordHash,
		PlayerName:        cfg.Session.PlayerName,
		Charset:           charset,
		Peer: gonet.PeerOptions{
			InQueueSize:      cfg.Network.InQueueSize,
			OutQueueSize:     cfg.Network.OutQueueSize,
			PacketsPerSecond: cfg.Network.PacketsPerSecond,
			Burst:            cfg.Network.Burst,
			WriteTimeout:     cfg.Network.WriteTimeout,
			ReadTimeout:      cfg.Network.ReadTimeout,
		},
	}, ids, dir, router, spawner, bus, log)
	sess.SetTickDriven(cfg.Session.TickDriven)
	if spawnRepo != nil {
		sess.SetWatermarkSource(spawnRepo)
	}
	sc.Bind(ids, dir, router, spawner, sess.IsHost)
	sc.Subscribe(bus)
	event.Subscribe(bus, func(ev event.PeerJoined) {
		log.Info("玩家加入", zap.Uint64("peer", ev.PeerID), zap.String("name", ev.Name), zap.String("addr", ev.Addr))
	})
	event.Subscribe(bus, func(ev event.PeerLeft) {
		log.Info("玩家離開", zap.Uint64("peer", ev.PeerID), zap.String("reason", ev.Reason))
	})

	var tap *journal.Writer
	if cfg.Journal.Enabled {
		tap = journal.NewWriter(cfg.Journal.Dir, log)
		sess.SetTap(tap)
		defer tap.Close()
	}

	// 6. Systems
	runner := coresys.NewRunner()
	runner.Register(system.NewInputSystem(sess))
	runner.Register(system.NewEventDispatchSystem(bus))
	runner.Register(system.NewOutputSystem(sess))
	var persistSys *system.PersistenceSystem
	if spawnRepo != nil && startRole.Authoritative() {
		persistSys = system.NewPersistenceSystem(spawner, spawnRepo, log, 30)
		runner.Register(persistSys)
	}
	runner.Register(system.NewCleanupSystem(sc.World()))

	// 7. Start the configured role
	printSection("連線")
	if err := startSession(sess, startRole, cfg.Session); err != nil {
		return err
	}
	if tap != nil {
		tap.SetSession(sess.ID().String())
		printOK(fmt.Sprintf("封包紀錄 %s/%s-*.jsonl.zst", cfg.Journal.Dir, tap.Run()))
	}
	if startRole.Authoritative() {
		n := spawnConfigured(sc, cfg.Scene.Spawns, log)
		printStat("初始生成", n)
	}
	fmt.Println()

	// 8. Game loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Network.TickRate)
	defer ticker.Stop()

	printSection("就緒")
	printReady(fmt.Sprintf("遊戲迴圈啟動 (tick: %s)", cfg.Network.TickRate))
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			runner.Tick(cfg.Network.TickRate)
			if d := runner.LastTickDuration(); d > cfg.Network.TickRate {
				log.Warn("tick 超時",
					zap.Uint64("tick", runner.Ticks()),
					zap.Duration("took", d),
					zap.Duration("budget", cfg.Network.TickRate),
				)
			}
			if startRole == role.Client && !sess.Connected() {
				log.Warn("與主機的連線已中斷")
				sess.Disconnect()
				return nil
			}
		case sig := <-shutdownCh:
			log.Info("收到關閉信號", zap.String("signal", sig.String()))
			sess.Flush()
			sess.Disconnect()
			if persistSys != nil {
				persistSys.SaveAll()
			}
			log.Info("已停止")
			return nil
		}
	}
}

func startSession(sess *session.Session, r role.Role, cfg config.SessionConfig) error {
	switch r {
	case role.SinglePlayer:
		if err := sess.StartSinglePlayer(); err != nil {
			return fmt.Errorf("start single player: %w", err)
		}
		printOK("單人模式")
	case role.Host:
		port, err := sess.StartHost(cfg.HostPort)
		if err != nil {
			return fmt.Errorf("start host: %w", err)
		}
		printReady(fmt.Sprintf("主機監聽埠 %d", port))
	case role.Client:
		if err := sess.StartClient(); err != nil {
			return fmt.Errorf("start client: %w", err)
		}
		if !sess.Connect(context.Background(), cfg.ConnectAddress, cfg.ConnectPort) {
			return fmt.Errorf("connect %s:%d: %w", cfg.ConnectAddress, cfg.ConnectPort, session.ErrHandshake)
		}
		printReady(fmt.Sprintf("已連線至 %s:%d", cfg.ConnectAddress, cfg.ConnectPort))
	default:
		printOK("未啟動任何角色")
	}
	return nil
}

// spawnConfigured instantiates every "prefab@spawn_point" entry.
func spawnConfigured(sc *scene.Scene, entries []string, log *zap.Logger) int {
	n := 0
	for _, e := range entries {
		prefab, point, ok := strings.Cut(e, "@")
		if !ok {
			log.Warn("初始生成格式錯誤", zap.String("entry", e))
			continue
		}
		if _, err := sc.Spawn(strings.TrimSpace(prefab), strings.TrimSpace(point)); err != nil {
			log.Warn("初始生成失敗", zap.String("entry", e), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func startProfile(cfg config.ProfileConfig) func() {
	var mode func(*profile.Profile)
	switch cfg.Mode {
	case "":
		return nil
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfileAllocs
	case "mutex":
		mode = profile.MutexProfile
	case "block":
		mode = profile.BlockProfile
	case "trace":
		mode = profile.TraceProfile
	default:
		fmt.Fprintf(os.Stderr, "unknown profile mode %q, profiling disabled\n", cfg.Mode)
		return nil
	}
	opts := []func(*profile.Profile){mode, profile.NoShutdownHook}
	if cfg.Dir != "" {
		opts = append(opts, profile.ProfilePath(cfg.Dir))
	}
	return profile.Start(opts...).Stop
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
