package net

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/netscene/netscene/internal/net/packet"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PeerOptions sizes a peer's queues and limits.
type PeerOptions struct {
	InQueueSize      int
	OutQueueSize     int
	PacketsPerSecond float64 // 0 = unlimited
	Burst            int
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // 0 = no read deadline
}

// Peer represents a single remote connection. Network I/O runs in
// dedicated goroutines; session state is accessed only from the simulation
// goroutine. InQueue and OutQueue are the only handoff points.
type Peer struct {
	ID   uint64
	conn Conn

	state atomic.Int32 // packet.PeerState stored as int32

	InQueue  chan []byte // simulation reads messages from here
	OutQueue chan []byte // writer goroutine reads from here

	Addr string
	Name string // set by the handshake

	outBuf [][]byte // buffered messages, flushed once per tick (simulation only)

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	limiter *rate.Limiter // readLoop goroutine only

	writeTimeout time.Duration
	readTimeout  time.Duration

	log *zap.Logger
}

func NewPeer(conn Conn, id uint64, opts PeerOptions, log *zap.Logger) *Peer {
	p := &Peer{
		ID:           id,
		conn:         conn,
		InQueue:      make(chan []byte, max(opts.InQueueSize, 1)),
		OutQueue:     make(chan []byte, max(opts.OutQueueSize, 1)),
		Addr:         conn.RemoteAddr(),
		closeCh:      make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		readTimeout:  opts.ReadTimeout,
		log:          log.With(zap.Uint64("peer", id)),
	}
	if opts.PacketsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.PacketsPerSecond)
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.PacketsPerSecond), max(burst, 1))
	}
	p.state.Store(int32(packet.StateHandshake))
	return p
}

func (p *Peer) State() packet.PeerState {
	return packet.PeerState(p.state.Load())
}

func (p *Peer) SetState(st packet.PeerState) {
	p.state.Store(int32(st))
}

// Start launches the reader and writer goroutines.
func (p *Peer) Start() {
	go p.readLoop()
	go p.writeLoop()
}

// Send buffers a message. Nothing is written until FlushOutput.
// Called only from the simulation goroutine; outBuf needs no lock.
func (p *Peer) Send(data []byte) {
	if p.closed.Load() {
		return
	}
	p.outBuf = append(p.outBuf, data)
}

// Pending returns the number of buffered, unflushed messages.
func (p *Peer) Pending() int {
	return len(p.outBuf)
}

// FlushOutput drains the output buffer to OutQueue for the writeLoop goroutine.
// Non-blocking: if OutQueue is full, the peer is disconnected (backpressure).
func (p *Peer) FlushOutput() {
	for _, data := range p.outBuf {
		select {
		case p.OutQueue <- data:
		default:
			p.log.Warn("輸出佇列已滿，斷開慢速連線")
			p.Close()
			p.outBuf = p.outBuf[:0]
			return
		}
	}
	p.outBuf = p.outBuf[:0]
}

// Close shuts the connection down. Unsent output is discarded; messages
// already in InQueue stay readable.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.SetState(packet.StateDisconnecting)
		close(p.closeCh)
		p.conn.Close()
	})
}

// CloseAfterFlush flushes buffered output and closes the peer once the
// writer has sent it. Used to deliver a Reject before hanging up.
func (p *Peer) CloseAfterFlush() {
	p.FlushOutput()
	if p.closed.Load() {
		return
	}
	select {
	case p.OutQueue <- nil:
	default:
		p.Close()
	}
}

func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}

// Done is closed when the peer is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.closeCh
}

// readLoop runs in its own goroutine. It reads messages from the connection
// and pushes them onto InQueue for the simulation to consume.
func (p *Peer) readLoop() {
	defer p.Close()

	for {
		if p.readTimeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
		}
		payload, err := p.conn.ReadMessage()
		if err != nil {
			if !p.closed.Load() {
				p.log.Debug("讀取錯誤", zap.Error(err))
			}
			return
		}

		if p.limiter != nil && !p.limiter.Allow() {
			p.log.Warn("封包速率超限，斷開連線")
			return
		}

		// Block until InQueue has space or the peer closes. Dropping would
		// break per-entity event order; blocking only stalls this peer.
		select {
		case p.InQueue <- payload:
		case <-p.closeCh:
			return
		}
	}
}

// writeLoop runs in its own goroutine. It reads messages from OutQueue and
// writes them to the connection.
func (p *Peer) writeLoop() {
	defer p.Close()

	for {
		select {
		case data := <-p.OutQueue:
			if data == nil {
				return // CloseAfterFlush sentinel
			}
			if !p.writeOne(data) {
				return
			}
		case <-p.closeCh:
			return
		}
	}
}

func (p *Peer) writeOne(data []byte) bool {
	if len(data) > 0 {
		p.log.Debug("TX",
			zap.String("op", packet.OpName(data[0])),
			zap.Int("len", len(data)),
		)
	}
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	if err := p.conn.WriteMessage(data); err != nil {
		if !p.closed.Load() {
			p.log.Debug("寫入錯誤", zap.Error(err))
		}
		return false
	}
	return true
}
