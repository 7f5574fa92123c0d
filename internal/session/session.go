package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/netscene/netscene/internal/core/event"
	"github.com/netscene/netscene/internal/core/role"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/net"
	"github.com/netscene/netscene/internal/net/packet"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/replication"
	"github.com/netscene/netscene/internal/spawn"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrRoleActive   = errors.New("session already has an active role")
	ErrNotClient    = errors.New("session is not a client")
	ErrNoRole       = errors.New("session has no role to reload")
	ErrHandshake    = errors.New("handshake failed")
	ErrBadPassword  = errors.New("bad password")
	ErrVersionSkew  = errors.New("protocol version mismatch")
	ErrHostRejected = errors.New("host rejected the connection")
)

// Config holds the session parameters taken from the [session] and
// [network] config sections.
type Config struct {
	Transport         string
	BindHost          string
	FallbackAttempts  int
	ConnectTimeout    time.Duration
	TickRate          int
	MaxPacketsPerTick int
	Password          string // plain join password; hashed at StartHost
	PasswordHash      string // bcrypt hash, preferred over Password
	PlayerName        string
	Peer              net.PeerOptions
	Charset           *packet.Charset
}

// Direction tells a Tap which way a message went.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Tap observes every message the session sends or receives.
type Tap interface {
	Record(dir Direction, peer uint64, data []byte)
}

// WatermarkSource supplies the highest NetworkID ever issued, so ids stay
// unique across restarts.
type WatermarkSource interface {
	LoadWatermark(ctx context.Context) (identity.NetworkID, error)
}

// Session owns the peer's role and its connections. It drains inbound
// messages into the replication components and flushes their queues to
// remote peers. Accessed only from the simulation goroutine.
type Session struct {
	cfg Config

	role      role.Role
	id        uuid.UUID
	ids       *identity.Registry
	dir       *replication.Directory
	router    *netevent.Router
	spawner   *spawn.Coordinator
	bus       *event.Bus
	tap       Tap
	watermark WatermarkSource

	hostReg   *packet.Registry
	clientReg *packet.Registry

	// Host
	listener      *net.Listener
	peers         map[uint64]*net.Peer
	requestedPort int
	boundPort     int
	passwordHash  []byte

	// Client
	upstream    *net.Peer
	connectAddr string
	connectPort int
	peerID      uint64 // assigned by the host's Welcome
	hostSession string

	draining   []*net.Peer
	tickDriven bool

	log *zap.Logger
}

// New builds an uninitialized session around the replication components.
// bus may be nil.
func New(
	cfg Config,
	ids *identity.Registry,
	dir *replication.Directory,
	router *netevent.Router,
	spawner *spawn.Coordinator,
	bus *event.Bus,
	log *zap.Logger,
) *Session {
	if cfg.MaxPacketsPerTick <= 0 {
		cfg.MaxPacketsPerTick = 64
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 30
	}
	s := &Session{
		cfg:        cfg,
		ids:        ids,
		dir:        dir,
		router:     router,
		spawner:    spawner,
		bus:        bus,
		peers:      make(map[uint64]*net.Peer),
		tickDriven: true,
		log:        log.Named("session"),
	}
	s.hostReg = s.buildHostRegistry()
	s.clientReg = s.buildClientRegistry()
	return s
}

// SetTap installs a traffic observer. nil removes it.
func (s *Session) SetTap(t Tap) { s.tap = t }

// SetWatermarkSource installs the store consulted when an authoritative
// role starts.
func (s *Session) SetWatermarkSource(w WatermarkSource) { s.watermark = w }

func (s *Session) Role() role.Role { return s.role }

// ID identifies this role instance. It changes on every start.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) IsHost() bool { return s.role == role.Host }

// BoundPort returns the port the host actually listens on, 0 otherwise.
func (s *Session) BoundPort() int { return s.boundPort }

// Connected reports whether the session can exchange traffic: a host is
// always connected, a client once its handshake completed.
func (s *Session) Connected() bool {
	switch s.role {
	case role.Host:
		return s.listener != nil
	case role.Client:
		return s.upstream != nil && !s.upstream.IsClosed() && s.upstream.State() == packet.StateConnected
	}
	return false
}

// PeerCount returns the number of connected remote peers.
func (s *Session) PeerCount() int {
	switch s.role {
	case role.Host:
		n := 0
		for _, p := range s.peers {
			if p.State() == packet.StateConnected && !p.IsClosed() {
				n++
			}
		}
		return n
	case role.Client:
		if s.Connected() {
			return 1
		}
	}
	return 0
}

// SetTickDriven selects whether Tick flushes outbound queues. When false the
// driver calls Flush itself.
func (s *Session) SetTickDriven(on bool) { s.tickDriven = on }

func (s *Session) TickDriven() bool { return s.tickDriven }

func (s *Session) setRole(r role.Role) {
	from := s.role
	s.role = r
	s.router.SetRole(r)
	s.spawner.SetRole(r)
	if r != role.Uninitialized {
		s.id = uuid.New()
	}
	event.Emit(s.bus, event.RoleChanged{From: from.String(), To: r.String(), Port: s.boundPort})
	s.log.Info("角色切換", zap.Stringer("from", from), zap.Stringer("to", r), zap.String("session_id", s.id.String()))
}

func (s *Session) restoreWatermark() {
	if s.watermark == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := s.watermark.LoadWatermark(ctx)
	if err != nil {
		s.log.Warn("網路識別碼水位讀取失敗", zap.Error(err))
		return
	}
	s.ids.RestoreWatermark(w)
	s.log.Info("網路識別碼水位已還原", zap.Uint64("watermark", uint64(s.ids.Watermark())))
}

// StartSinglePlayer makes this process authoritative with no network.
func (s *Session) StartSinglePlayer() error {
	if s.role != role.Uninitialized {
		return ErrRoleActive
	}
	s.restoreWatermark()
	s.setRole(role.SinglePlayer)
	return nil
}

// StartHost listens on port and becomes authoritative. When the port is
// taken the next FallbackAttempts ports are tried, then an OS-assigned one;
// the port actually bound is returned and reported by BoundPort.
func (s *Session) StartHost(port int) (int, error) {
	if s.role != role.Uninitialized {
		return 0, ErrRoleActive
	}
	if err := s.preparePassword(); err != nil {
		return 0, err
	}
	ln, err := net.Listen(net.ListenConfig{
		Transport:        s.cfg.Transport,
		Host:             s.cfg.BindHost,
		Port:             port,
		FallbackAttempts: s.cfg.FallbackAttempts,
	}, s.cfg.Peer, s.log)
	if err != nil {
		return 0, fmt.Errorf("start host: %w", err)
	}
	go ln.Serve()

	s.listener = ln
	s.requestedPort = port
	s.boundPort = ln.Port()
	s.restoreWatermark()
	s.setRole(role.Host)
	s.log.Info(fmt.Sprintf("主機監聽中  %s  transport=%s", ln.Addr(), s.cfg.Transport),
		zap.Int("requested", port),
		zap.Int("bound", s.boundPort),
	)
	return s.boundPort, nil
}

func (s *Session) preparePassword() error {
	s.passwordHash = nil
	switch {
	case s.cfg.PasswordHash != "":
		s.passwordHash = []byte(s.cfg.PasswordHash)
	case s.cfg.Password != "":
		h, err := bcrypt.GenerateFromPassword([]byte(s.cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash join password: %w", err)
		}
		s.passwordHash = h
	}
	return nil
}

// StartClient enters the client role. Nothing is connected until Connect.
func (s *Session) StartClient() error {
	if s.role != role.Uninitialized {
		return ErrRoleActive
	}
	s.setRole(role.Client)
	return nil
}

// Connect dials the host and performs the handshake. It blocks for at most
// the configured connect timeout (or until ctx ends) and reports success.
// A failed attempt leaves the session disconnected and is not retried.
func (s *Session) Connect(ctx context.Context, address string, port int) bool {
	if err := s.connect(ctx, address, port); err != nil {
		s.log.Warn("連線主機失敗",
			zap.String("addr", address),
			zap.Int("port", port),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Session) connect(ctx context.Context, address string, port int) error {
	if s.role != role.Client {
		return ErrNotClient
	}
	if s.upstream != nil {
		s.dropUpstream("reconnect")
		event.Emit(s.bus, event.PeerLeft{PeerID: 0, Reason: "reconnect"})
		// The mirror belongs to the old host.
		s.spawner.Teardown()
	}
	s.connectAddr, s.connectPort = address, port

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	p, err := net.Dial(ctx, s.cfg.Transport, address, port, s.cfg.Peer, s.log)
	if err != nil {
		return err
	}
	s.upstream = p
	s.send(p, buildHello(s.cfg.Charset, hello{
		Version:  packet.ProtocolVersion,
		Name:     s.cfg.PlayerName,
		Password: s.cfg.Password,
	}))
	p.FlushOutput()

	// Only the handshake reply is consumed here; anything behind it stays
	// in InQueue for Poll.
	for p.State() == packet.StateHandshake {
		select {
		case data := <-p.InQueue:
			s.dispatch(s.clientReg, p, data)
		case <-p.Done():
			s.drainHandshake(p)
			if p.State() != packet.StateConnected {
				s.dropUpstream("handshake")
				return ErrHostRejected
			}
		case <-ctx.Done():
			s.dropUpstream("timeout")
			return fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
		}
	}
	if p.State() != packet.StateConnected {
		s.dropUpstream("handshake")
		return ErrHostRejected
	}
	event.Emit(s.bus, event.PeerJoined{PeerID: 0, Name: "host", Addr: p.Addr})
	s.log.Info("已連線主機",
		zap.String("addr", p.Addr),
		zap.Uint64("peer_id", s.peerID),
		zap.String("host_session", s.hostSession),
	)
	return nil
}

// drainHandshake processes the replies already queued by a peer that has
// closed, so a Reject sent right before the hang-up is still seen.
func (s *Session) drainHandshake(p *net.Peer) {
	for p.State() == packet.StateHandshake {
		select {
		case data := <-p.InQueue:
			s.dispatch(s.clientReg, p, data)
		default:
			return
		}
	}
}

func (s *Session) dropUpstream(reason string) {
	if s.upstream == nil {
		return
	}
	s.upstream.Close()
	s.draining = append(s.draining, s.upstream)
	s.upstream = nil
	s.peerID = 0
	s.hostSession = ""
	s.log.Debug("上游連線已關閉", zap.String("reason", reason))
}

// Disconnect ends the current role: peers are closed at once, networked
// entities are torn down and the session returns to Uninitialized. Inbound
// messages still queued are discarded by the next Poll.
func (s *Session) Disconnect() {
	if s.role == role.Uninitialized {
		return
	}
	if s.listener != nil {
		s.listener.Shutdown()
		s.listener = nil
	}
	for id, p := range s.peers {
		p.Close()
		s.draining = append(s.draining, p)
		delete(s.peers, id)
		event.Emit(s.bus, event.PeerLeft{PeerID: id, Reason: "disconnect"})
	}
	if s.upstream != nil {
		s.dropUpstream("disconnect")
		event.Emit(s.bus, event.PeerLeft{PeerID: 0, Reason: "disconnect"})
	}
	s.spawner.Teardown()
	s.boundPort = 0
	s.setRole(role.Uninitialized)
}

// Reload tears the current role down and starts it again with the same
// parameters. A host returns its newly bound port; a client reconnects to
// the last address.
func (s *Session) Reload() (int, error) {
	prev := s.role
	switch prev {
	case role.Uninitialized:
		return 0, ErrNoRole
	case role.SinglePlayer:
		s.Disconnect()
		return 0, s.StartSinglePlayer()
	case role.Host:
		port := s.requestedPort
		s.Disconnect()
		return s.StartHost(port)
	default:
		addr, port := s.connectAddr, s.connectPort
		hadUpstream := addr != ""
		s.Disconnect()
		if err := s.StartClient(); err != nil {
			return 0, err
		}
		if !hadUpstream {
			return 0, nil
		}
		if err := s.connect(context.Background(), addr, port); err != nil {
			return 0, err
		}
		return 0, nil
	}
}

// Tick drains inbound traffic and, when tick-driven, flushes outbound
// queues.
func (s *Session) Tick(_ time.Duration) {
	s.Poll()
	if s.tickDriven {
		s.Flush()
	}
}

// Poll accepts new peers, drains inbound messages (at most
// MaxPacketsPerTick per peer) and retires closed peers after their queued
// messages were processed.
func (s *Session) Poll() {
	s.discardDraining()

	switch s.role {
	case role.Host:
		s.pollHost()
	case role.Client:
		s.pollClient()
	}
}

func (s *Session) discardDraining() {
	for _, p := range s.draining {
		n := 0
		for {
			select {
			case <-p.InQueue:
				n++
				continue
			default:
			}
			break
		}
		if n > 0 {
			s.log.Debug("已丟棄斷線後的封包", zap.Uint64("peer", p.ID), zap.Int("count", n))
		}
	}
	s.draining = s.draining[:0]
}

func (s *Session) pollHost() {
	if s.listener != nil {
		for {
			select {
			case p := <-s.listener.NewPeers():
				s.peers[p.ID] = p
				continue
			default:
			}
			break
		}
	}

	for id, p := range s.peers {
		closed := p.IsClosed()
		s.drain(s.hostReg, p)
		if closed {
			// Drain any remaining messages before cleanup.
			s.drain(s.hostReg, p)
			delete(s.peers, id)
			if p.Name != "" {
				event.Emit(s.bus, event.PeerLeft{PeerID: id, Reason: "closed"})
			}
			s.log.Info(fmt.Sprintf("遠端斷線  peer=%d  addr=%s", id, p.Addr))
		}
	}
}

func (s *Session) pollClient() {
	p := s.upstream
	if p == nil {
		return
	}
	closed := p.IsClosed()
	s.drain(s.clientReg, p)
	if closed {
		s.upstream = nil
		s.peerID = 0
		event.Emit(s.bus, event.PeerLeft{PeerID: 0, Reason: "host closed"})
		s.log.Warn("主機連線中斷", zap.String("addr", p.Addr))
		// The mirror is stale without its host.
		s.spawner.Teardown()
	}
}

func (s *Session) drain(reg *packet.Registry, p *net.Peer) {
	for i := 0; i < s.cfg.MaxPacketsPerTick; i++ {
		select {
		case data := <-p.InQueue:
			s.dispatch(reg, p, data)
		default:
			return
		}
	}
}

func (s *Session) dispatch(reg *packet.Registry, p *net.Peer, data []byte) {
	if s.tap != nil {
		s.tap.Record(Inbound, p.ID, data)
	}
	if err := reg.Dispatch(p, p.State(), data); err != nil {
		s.log.Debug("封包分派錯誤",
			zap.Uint64("peer", p.ID),
			zap.Error(err),
		)
	}
}

func (s *Session) send(p *net.Peer, data []byte) {
	if s.tap != nil {
		s.tap.Record(Outbound, p.ID, data)
	}
	p.Send(data)
}

// Flush sends everything queued since the last flush. The host broadcasts
// creations, field updates, events and then destructions to every
// connected client; a client forwards its events to the host.
func (s *Session) Flush() {
	lifecycle := s.spawner.Flush()
	updates := s.dir.Flush()
	events := s.router.Flush()

	switch s.role {
	case role.Host:
		s.broadcast(lifecycle, updates, events)
	case role.Client:
		if len(updates) > 0 {
			s.log.Debug("用戶端欄位變更不外送", zap.Int("count", len(updates)))
		}
		if p := s.upstream; p != nil && p.State() == packet.StateConnected {
			for _, ev := range events {
				s.send(p, buildEvent(s.cfg.Charset, ev))
			}
			p.FlushOutput()
		} else if len(events) > 0 {
			s.log.Warn("未連線主機，事件已丟棄", zap.Int("count", len(events)))
		}
	}
}

func (s *Session) broadcast(lifecycle []spawn.Lifecycle, updates []replication.FieldUpdate, events []netevent.NetEvent) {
	var msgs [][]byte
	for _, lc := range lifecycle {
		if !lc.Destroy {
			msgs = append(msgs, buildSpawn(s.cfg.Charset, lc.Creation))
		}
	}
	for _, u := range updates {
		msgs = append(msgs, buildFieldUpdate(s.cfg.Charset, u))
	}
	for _, ev := range events {
		msgs = append(msgs, buildEvent(s.cfg.Charset, ev))
	}
	for _, lc := range lifecycle {
		if lc.Destroy {
			msgs = append(msgs, buildDestroy(s.cfg.Charset, lc.ID))
		}
	}

	for _, p := range s.peers {
		if p.State() == packet.StateConnected {
			for _, m := range msgs {
				s.send(p, m)
			}
		}
		// Handshake replies queued during Poll leave here as well.
		p.FlushOutput()
	}
}
