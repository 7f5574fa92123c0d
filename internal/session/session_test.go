package session

import (
	"context"
	"fmt"
	stdnet "net"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/role"
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/net"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/replication"
	"github.com/netscene/netscene/internal/spawn"
	"go.uber.org/zap"
)

const (
	kindHit     netevent.Kind      = 1
	enemyPrefab spawn.PrefabHandle = 1
	spawnPoint  identity.LocalID   = 1
)

type memStore struct {
	next  identity.LocalID
	alive map[identity.LocalID]bool
}

func (m *memStore) Instantiate(p spawn.PrefabHandle, _ spawn.Transform) (identity.LocalID, string, error) {
	if p != enemyPrefab {
		return 0, "", fmt.Errorf("unknown prefab %d", p)
	}
	m.next++
	m.alive[m.next] = true
	return m.next, "Enemy", nil
}

func (m *memStore) Destroy(local identity.LocalID) error {
	delete(m.alive, local)
	return nil
}

func (m *memStore) SpawnPoint(local identity.LocalID) (spawn.Transform, bool) {
	if local != spawnPoint {
		return spawn.Transform{}, false
	}
	return spawn.Transform{Position: mgl32.Vec3{1, 2, 3}}, true
}

type hit struct {
	local identity.LocalID
	args  []value.Value
}

type recorder struct {
	hits      []hit
	callbacks int
}

func (r *recorder) InvokeEvent(local identity.LocalID, _ netevent.Kind, args []value.Value) error {
	r.hits = append(r.hits, hit{local: local, args: args})
	return nil
}

func (r *recorder) InvokeCallback(identity.LocalID, string, string) error {
	r.callbacks++
	return nil
}

type stack struct {
	ids     *identity.Registry
	dir     *replication.Directory
	router  *netevent.Router
	spawner *spawn.Coordinator
	store   *memStore
	rec     *recorder
	sess    *Session
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	log := zap.NewNop()
	decls := replication.NewDeclarations()
	if err := decls.Register("Enemy", replication.FieldSpec{
		Name: "hp", Kind: value.KindInt32, Mode: replication.Update, Callback: "OnHpChanged",
	}); err != nil {
		t.Fatal(err)
	}
	st := &stack{
		ids:   identity.NewRegistry(log),
		store: &memStore{next: 100, alive: make(map[identity.LocalID]bool)},
		rec:   &recorder{},
	}
	st.dir = replication.NewDirectory(decls, st.ids, st.rec, log)
	st.router = netevent.NewRouter(st.ids, st.rec, log)
	st.spawner = spawn.NewCoordinator(st.ids, st.dir, st.router, st.store, nil, log)
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	cfg.Peer = net.PeerOptions{InQueueSize: 64, OutQueueSize: 64, WriteTimeout: time.Second}
	st.sess = New(cfg, st.ids, st.dir, st.router, st.spawner, nil, log)
	t.Cleanup(st.sess.Disconnect)
	return st
}

// pump ticks every session until cond holds or the deadline passes.
func pump(t *testing.T, cond func() bool, stacks ...*stack) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, st := range stacks {
			st.sess.Tick(0)
		}
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

func startPair(t *testing.T, hostCfg, clientCfg Config) (*stack, *stack) {
	t.Helper()
	host := newStack(t, hostCfg)
	port, err := host.sess.StartHost(0)
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	client := newStack(t, clientCfg)
	if err := client.sess.StartClient(); err != nil {
		t.Fatal(err)
	}
	connected := make(chan bool, 1)
	go func() {
		connected <- client.sess.Connect(context.Background(), "127.0.0.1", port)
	}()
	// The host must poll for the handshake to be answered.
	var ok bool
	pump(t, func() bool {
		select {
		case ok = <-connected:
			return true
		default:
			return false
		}
	}, host)
	if !ok {
		t.Fatalf("client failed to connect")
	}
	return host, client
}

// connectTo runs Connect while polling host so the handshake is answered.
func connectTo(t *testing.T, client, host *stack, port int) bool {
	t.Helper()
	done := make(chan bool, 1)
	go func() { done <- client.sess.Connect(context.Background(), "127.0.0.1", port) }()
	pump(t, func() bool { return len(done) == 1 }, host)
	return <-done
}

func TestHitReachesClientOnce(t *testing.T) {
	host, client := startPair(t, Config{}, Config{PlayerName: "p1"})

	hostLocal, err := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := host.ids.ResolveLocal(hostLocal)
	pump(t, func() bool { _, ok := client.ids.ResolveNetwork(id); return ok }, host, client)
	clientLocal, _ := client.ids.ResolveNetwork(id)

	host.router.TriggerFromNetwork(id, kindHit, value.Float(25.0), value.Int32(0))
	if len(host.rec.hits) != 1 {
		t.Fatalf("host applied %d hits", len(host.rec.hits))
	}
	pump(t, func() bool { return len(client.rec.hits) > 0 }, host, client)

	// A few more ticks must not deliver it again.
	for i := 0; i < 5; i++ {
		host.sess.Tick(0)
		client.sess.Tick(0)
	}
	if len(client.rec.hits) != 1 {
		t.Fatalf("client applied %d hits", len(client.rec.hits))
	}
	h := client.rec.hits[0]
	if h.local != clientLocal || h.args[0].Float() != 25.0 || h.args[1].Int32() != 0 {
		t.Fatalf("hit = %+v", h)
	}
}

func TestClientEventRoundTripsThroughHost(t *testing.T) {
	host, client := startPair(t, Config{}, Config{})
	local, _ := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	id, _ := host.ids.ResolveLocal(local)
	pump(t, func() bool { _, ok := client.ids.ResolveNetwork(id); return ok }, host, client)

	clientLocal, _ := client.ids.ResolveNetwork(id)
	client.router.TriggerFromLocal(clientLocal, kindHit, value.Float(5))
	if len(client.rec.hits) != 0 {
		t.Fatalf("client applied before host echo")
	}
	pump(t, func() bool { return len(client.rec.hits) == 1 }, host, client)
	if len(host.rec.hits) != 1 {
		t.Fatalf("host applied %d", len(host.rec.hits))
	}
}

func TestFieldUpdateAndDestroyMirror(t *testing.T) {
	host, client := startPair(t, Config{}, Config{})
	local, _ := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	id, _ := host.ids.ResolveLocal(local)
	if err := host.dir.Set(id, "hp", value.Int32(40)); err != nil {
		t.Fatal(err)
	}
	host.dir.MarkDirty(id, "hp")
	pump(t, func() bool {
		v, ok := client.dir.Get(id, "hp")
		return ok && v.Int32() == 40
	}, host, client)
	if client.rec.callbacks != 1 {
		t.Fatalf("client callbacks = %d", client.rec.callbacks)
	}

	if err := host.spawner.DestroyByNetworkID(id); err != nil {
		t.Fatal(err)
	}
	pump(t, func() bool { return client.ids.IsRetired(id) }, host, client)
	if len(client.store.alive) != 0 {
		t.Fatalf("client entity survived destroy")
	}
}

func TestLateJoinGetsSnapshot(t *testing.T) {
	host := newStack(t, Config{})
	port, err := host.sess.StartHost(0)
	if err != nil {
		t.Fatal(err)
	}
	local, _ := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	id, _ := host.ids.ResolveLocal(local)
	_ = host.dir.Set(id, "hp", value.Int32(7))
	host.sess.Flush()

	client := newStack(t, Config{})
	_ = client.sess.StartClient()
	done := make(chan bool, 1)
	go func() { done <- client.sess.Connect(context.Background(), "127.0.0.1", port) }()
	pump(t, func() bool { return len(done) == 1 }, host)
	if !<-done {
		t.Fatalf("connect failed")
	}
	pump(t, func() bool {
		v, ok := client.dir.Get(id, "hp")
		return ok && v.Int32() == 7
	}, host, client)
}

func TestPortTakenFallsBack(t *testing.T) {
	const requested = 7777
	occ, err := stdnet.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", requested))
	if err == nil {
		defer occ.Close()
	}
	st := newStack(t, Config{FallbackAttempts: 3})
	port, err := st.sess.StartHost(requested)
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	if port == requested || port == 0 {
		t.Fatalf("bound port = %d", port)
	}
	if st.sess.BoundPort() != port {
		t.Fatalf("BoundPort = %d, returned %d", st.sess.BoundPort(), port)
	}
	if !st.sess.IsHost() {
		t.Fatalf("not host")
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	host := newStack(t, Config{Password: "secret"})
	port, err := host.sess.StartHost(0)
	if err != nil {
		t.Fatal(err)
	}

	try := func(pw string) bool {
		c := newStack(t, Config{Password: pw})
		_ = c.sess.StartClient()
		done := make(chan bool, 1)
		go func() { done <- c.sess.Connect(context.Background(), "127.0.0.1", port) }()
		pump(t, func() bool { return len(done) == 1 }, host)
		ok := <-done
		if ok != c.sess.Connected() {
			t.Fatalf("Connect = %v, Connected = %v", ok, c.sess.Connected())
		}
		return ok
	}
	if try("nope") {
		t.Fatalf("wrong password accepted")
	}
	if !try("secret") {
		t.Fatalf("right password rejected")
	}
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	ln, err := stdnet.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*stdnet.TCPAddr).Port
	ln.Close()

	c := newStack(t, Config{})
	_ = c.sess.StartClient()
	if c.sess.Connect(context.Background(), "127.0.0.1", port) {
		t.Fatalf("connected to closed port")
	}
	if c.sess.Connected() || c.sess.Role() != role.Client {
		t.Fatalf("connected=%v role=%v", c.sess.Connected(), c.sess.Role())
	}
}

func TestRoleMachine(t *testing.T) {
	st := newStack(t, Config{})
	if err := st.sess.StartSinglePlayer(); err != nil {
		t.Fatal(err)
	}
	if _, err := st.sess.StartHost(0); err != ErrRoleActive {
		t.Fatalf("err = %v", err)
	}
	if _, err := st.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint); err != nil {
		t.Fatal(err)
	}
	w := st.ids.Watermark()

	if _, err := st.sess.Reload(); err != nil {
		t.Fatal(err)
	}
	if st.sess.Role() != role.SinglePlayer || st.ids.Len() != 0 {
		t.Fatalf("reload: role=%v live=%d", st.sess.Role(), st.ids.Len())
	}
	if st.ids.Allocate() <= w {
		t.Fatalf("ids reused after reload")
	}

	st.sess.Disconnect()
	if st.sess.Role() != role.Uninitialized || st.sess.Connected() {
		t.Fatalf("disconnect left role %v", st.sess.Role())
	}
	if _, err := st.sess.Reload(); err != ErrNoRole {
		t.Fatalf("reload err = %v", err)
	}
}

func TestDisconnectTearsDownClientMirror(t *testing.T) {
	host, client := startPair(t, Config{}, Config{})
	local, _ := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	id, _ := host.ids.ResolveLocal(local)
	pump(t, func() bool { _, ok := client.ids.ResolveNetwork(id); return ok }, host, client)

	client.sess.Disconnect()
	if len(client.store.alive) != 0 || client.ids.Len() != 0 {
		t.Fatalf("mirror survived disconnect")
	}
	pump(t, func() bool { return host.sess.PeerCount() == 0 }, host)
}

func TestClientReconnectsToRestartedHost(t *testing.T) {
	host1, client := startPair(t, Config{}, Config{})
	local, _ := host1.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	oldID, _ := host1.ids.ResolveLocal(local)
	pump(t, func() bool { _, ok := client.ids.ResolveNetwork(oldID); return ok }, host1, client)
	for i := 0; i < 3; i++ {
		host1.router.TriggerFromNetwork(oldID, kindHit, value.Float(1))
	}
	pump(t, func() bool { return len(client.rec.hits) == 3 }, host1, client)

	host1.sess.Disconnect()
	pump(t, func() bool { return !client.sess.Connected() && client.ids.Len() == 0 }, client)

	host2 := newStack(t, Config{})
	port, err := host2.sess.StartHost(0)
	if err != nil {
		t.Fatal(err)
	}
	if !connectTo(t, client, host2, port) {
		t.Fatalf("reconnect failed")
	}
	local2, _ := host2.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	id, _ := host2.ids.ResolveLocal(local2)
	if id != oldID {
		t.Fatalf("restarted host allocated %d, want %d", id, oldID)
	}
	pump(t, func() bool { _, ok := client.ids.ResolveNetwork(id); return ok }, host2, client)

	host2.router.TriggerFromNetwork(id, kindHit, value.Float(25))
	pump(t, func() bool { return len(client.rec.hits) == 4 }, host2, client)
}

func TestConnectElsewhereDropsOldMirror(t *testing.T) {
	host1, client := startPair(t, Config{}, Config{})
	local, _ := host1.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	oldID, _ := host1.ids.ResolveLocal(local)
	pump(t, func() bool { _, ok := client.ids.ResolveNetwork(oldID); return ok }, host1, client)

	host2 := newStack(t, Config{})
	port, err := host2.sess.StartHost(0)
	if err != nil {
		t.Fatal(err)
	}
	if !connectTo(t, client, host2, port) {
		t.Fatalf("connect to second host failed")
	}
	if client.ids.Len() != 0 || len(client.store.alive) != 0 {
		t.Fatalf("mirror of the first host survived: %v", client.store.alive)
	}

	local2, _ := host2.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	id, _ := host2.ids.ResolveLocal(local2)
	pump(t, func() bool {
		_, ok := client.ids.ResolveNetwork(id)
		return ok && len(client.store.alive) == 1
	}, host2, client)
}

func TestExplicitFlushWhenNotTickDriven(t *testing.T) {
	host, client := startPair(t, Config{}, Config{})
	host.sess.SetTickDriven(false)
	local, _ := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	id, _ := host.ids.ResolveLocal(local)

	for i := 0; i < 10; i++ {
		host.sess.Tick(0)
		client.sess.Tick(0)
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := client.ids.ResolveNetwork(id); ok {
		t.Fatalf("Tick flushed while not tick-driven")
	}

	host.sess.Flush()
	pump(t, func() bool { _, ok := client.ids.ResolveNetwork(id); return ok }, host, client)
}

func TestHostReloadRebinds(t *testing.T) {
	host := newStack(t, Config{})
	if _, err := host.sess.StartHost(0); err != nil {
		t.Fatal(err)
	}
	if _, err := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint); err != nil {
		t.Fatal(err)
	}
	w := host.ids.Watermark()

	port, err := host.sess.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if port == 0 || port != host.sess.BoundPort() || !host.sess.IsHost() {
		t.Fatalf("reload: port=%d bound=%d role=%v", port, host.sess.BoundPort(), host.sess.Role())
	}
	if host.ids.Len() != 0 {
		t.Fatalf("entities survived reload")
	}

	client := newStack(t, Config{})
	_ = client.sess.StartClient()
	if !connectTo(t, client, host, port) {
		t.Fatalf("reloaded host not reachable on %d", port)
	}
	local, _ := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	if id, _ := host.ids.ResolveLocal(local); id <= w {
		t.Fatalf("id %d reused after reload, watermark %d", id, w)
	}
}

func TestJoinDuringUnflushedDestroy(t *testing.T) {
	host := newStack(t, Config{})
	port, err := host.sess.StartHost(0)
	if err != nil {
		t.Fatal(err)
	}
	host.sess.SetTickDriven(false)
	local, _ := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	gone, _ := host.ids.ResolveLocal(local)
	host.sess.Flush()
	if err := host.spawner.DestroyByNetworkID(gone); err != nil {
		t.Fatal(err)
	}

	// The snapshot is taken while the destroy is still queued.
	client := newStack(t, Config{})
	_ = client.sess.StartClient()
	if !connectTo(t, client, host, port) {
		t.Fatalf("connect failed")
	}
	host.sess.Flush()

	local2, _ := host.spawner.InstantiateAtSpawnPoint(enemyPrefab, spawnPoint)
	next, _ := host.ids.ResolveLocal(local2)
	host.sess.Flush()
	pump(t, func() bool { _, ok := client.ids.ResolveNetwork(next); return ok }, host, client)

	if n := client.spawner.PendingDestroys(); n != 0 {
		t.Fatalf("%d destroys wait for a creation that never comes", n)
	}
	if _, ok := client.ids.ResolveNetwork(gone); ok {
		t.Fatalf("destroyed entity mirrored")
	}
}
