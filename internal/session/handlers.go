package session

import (
	"github.com/netscene/netscene/internal/core/event"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/net"
	"github.com/netscene/netscene/internal/net/packet"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	handshakeOnly = []packet.PeerState{packet.StateHandshake}
	connectedOnly = []packet.PeerState{packet.StateConnected}
)

// buildHostRegistry accepts what clients may send: the handshake and
// event requests. Lifecycle and field traffic from a client is unknown here.
func (s *Session) buildHostRegistry() *packet.Registry {
	reg := packet.NewRegistry(s.cfg.Charset, s.log.Named("host"))
	reg.Register(packet.OpHello, handshakeOnly, s.handleHello)
	reg.Register(packet.OpEvent, connectedOnly, s.handleEventRequest)
	return reg
}

// buildClientRegistry accepts the host's handshake replies and its
// authoritative broadcasts.
func (s *Session) buildClientRegistry() *packet.Registry {
	reg := packet.NewRegistry(s.cfg.Charset, s.log.Named("client"))
	reg.Register(packet.OpWelcome, handshakeOnly, s.handleWelcome)
	reg.Register(packet.OpReject, handshakeOnly, s.handleReject)
	reg.Register(packet.OpSpawn, connectedOnly, s.handleSpawn)
	reg.Register(packet.OpDestroy, connectedOnly, s.handleDestroy)
	reg.Register(packet.OpFieldUpdate, connectedOnly, s.handleFieldUpdate)
	reg.Register(packet.OpEvent, connectedOnly, s.handleEventBroadcast)
	return reg
}

func (s *Session) handleHello(peer any, r *packet.Reader) {
	p := peer.(*net.Peer)
	h := readHello(r)
	if r.Err() != nil {
		return
	}
	if h.Version != packet.ProtocolVersion {
		s.reject(p, ErrVersionSkew.Error())
		return
	}
	if !s.checkPassword(h.Password) {
		s.reject(p, ErrBadPassword.Error())
		return
	}

	p.Name = h.Name
	p.SetState(packet.StateConnected)
	s.send(p, buildWelcome(s.cfg.Charset, welcome{
		PeerID:    p.ID,
		TickRate:  uint16(s.cfg.TickRate),
		SessionID: s.id.String(),
		Watermark: s.ids.Watermark(),
	}))

	// Late join: every live entity, then every replicated value.
	creations := s.spawner.Snapshot()
	for _, cr := range creations {
		s.send(p, buildSpawn(s.cfg.Charset, cr))
	}
	for _, cr := range creations {
		for _, u := range s.dir.Snapshot(cr.ID) {
			s.send(p, buildFieldUpdate(s.cfg.Charset, u))
		}
	}
	p.FlushOutput()

	event.Emit(s.bus, event.PeerJoined{PeerID: p.ID, Name: p.Name, Addr: p.Addr})
	s.log.Info("玩家加入",
		zap.Uint64("peer", p.ID),
		zap.String("name", p.Name),
		zap.String("addr", p.Addr),
		zap.Int("snapshot", len(creations)),
	)
}

func (s *Session) checkPassword(pw string) bool {
	if s.passwordHash == nil {
		return true
	}
	return bcrypt.CompareHashAndPassword(s.passwordHash, []byte(pw)) == nil
}

func (s *Session) reject(p *net.Peer, reason string) {
	s.log.Info("拒絕連線",
		zap.Uint64("peer", p.ID),
		zap.String("addr", p.Addr),
		zap.String("reason", reason),
	)
	s.send(p, buildReject(s.cfg.Charset, reason))
	p.CloseAfterFlush()
}

func (s *Session) handleEventRequest(peer any, r *packet.Reader) {
	p := peer.(*net.Peer)
	ev := readEvent(r)
	if r.Err() != nil {
		return
	}
	if !s.router.Deliver(ev) {
		s.log.Debug("用戶端事件未套用",
			zap.Uint64("peer", p.ID),
			zap.Uint64("net_id", uint64(ev.Target)),
		)
	}
}

func (s *Session) handleWelcome(peer any, r *packet.Reader) {
	p := peer.(*net.Peer)
	wm := readWelcome(r)
	if r.Err() != nil {
		return
	}
	s.peerID = wm.PeerID
	s.hostSession = wm.SessionID
	s.spawner.SetSnapshotWatermark(wm.Watermark)
	p.SetState(packet.StateConnected)
}

func (s *Session) handleReject(peer any, r *packet.Reader) {
	p := peer.(*net.Peer)
	reason := r.ReadS()
	s.log.Warn("主機拒絕連線", zap.String("reason", reason))
	p.Close()
}

func (s *Session) handleSpawn(_ any, r *packet.Reader) {
	cr := readSpawn(r)
	if r.Err() != nil {
		return
	}
	s.spawner.ApplyCreate(cr)
}

func (s *Session) handleDestroy(_ any, r *packet.Reader) {
	id := r.ReadQ()
	if r.Err() != nil {
		return
	}
	s.spawner.ApplyDestroy(identity.NetworkID(id))
}

func (s *Session) handleFieldUpdate(_ any, r *packet.Reader) {
	u := readFieldUpdate(r)
	if r.Err() != nil {
		return
	}
	s.dir.Apply(u)
}

func (s *Session) handleEventBroadcast(_ any, r *packet.Reader) {
	ev := readEvent(r)
	if r.Err() != nil {
		return
	}
	s.router.Deliver(ev)
}
