package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ListenConfig selects where and how a host listens.
type ListenConfig struct {
	Transport        string // TransportTCP or TransportWebSocket
	Host             string
	Port             int
	FallbackAttempts int // extra consecutive ports tried when Port is taken
}

// Listener accepts connections and creates Peers. New peers are handed to
// the simulation goroutine via a channel.
type Listener struct {
	listener  net.Listener
	transport string
	httpSrv   *http.Server
	upgrader  websocket.Upgrader

	nextID   atomic.Uint64
	newPeers chan *Peer
	opts     PeerOptions
	log      *zap.Logger
	closeCh  chan struct{}
	closed   atomic.Bool
}

// Listen binds cfg.Port, falling back to the following ports and finally to
// an OS-assigned one when the requested port is in use. Port reports the
// port that was actually bound.
func Listen(cfg ListenConfig, opts PeerOptions, log *zap.Logger) (*Listener, error) {
	transport := cfg.Transport
	if transport == "" {
		transport = TransportTCP
	}
	if transport != TransportTCP && transport != TransportWebSocket {
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	ln, err := bindWithFallback(cfg.Host, cfg.Port, cfg.FallbackAttempts, log)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		listener:  ln,
		transport: transport,
		newPeers:  make(chan *Peer, 64),
		opts:      opts,
		log:       log,
		closeCh:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	return l, nil
}

func bindWithFallback(host string, port, attempts int, log *zap.Logger) (net.Listener, error) {
	if port <= 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}
	var lastErr error
	for i := 0; i <= attempts && port+i <= 65535; i++ {
		p := port + i
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			if i > 0 {
				log.Warn("指定連接埠已被佔用，改用備援連接埠",
					zap.Int("requested", port),
					zap.Int("bound", p),
				)
			}
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen %s:%d: %w", host, p, err)
		}
		lastErr = err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen %s on any port (last: %v): %w", host, lastErr, err)
	}
	log.Warn("備援連接埠皆被佔用，改用系統配置連接埠",
		zap.Int("requested", port),
		zap.String("bound", ln.Addr().String()),
	)
	return ln, nil
}

// Serve runs the accept loop in the calling goroutine until Shutdown.
func (l *Listener) Serve() {
	if l.transport == TransportWebSocket {
		l.serveWebSocket()
		return
	}
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() {
				return // listener shutting down
			}
			l.log.Error("連線接受失敗", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		l.admit(newTCPConn(conn))
	}
}

func (l *Listener) serveWebSocket() {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, func(rw http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			l.log.Debug("websocket 升級失敗", zap.Error(err))
			return
		}
		l.admit(newWSConn(conn))
	})
	l.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := l.httpSrv.Serve(l.listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !l.closed.Load() {
		l.log.Error("websocket 服務結束", zap.Error(err))
	}
}

func (l *Listener) admit(c Conn) {
	id := l.nextID.Add(1)
	p := NewPeer(c, id, l.opts, l.log)
	p.Start()

	l.log.Info(fmt.Sprintf("遠端連線  peer=%d  addr=%s", id, p.Addr))

	select {
	case l.newPeers <- p:
	case <-l.closeCh:
		p.Close()
	default:
		l.log.Warn("連線佇列已滿，拒絕新連線")
		p.Close()
	}
}

// NewPeers returns the channel of newly connected peers.
func (l *Listener) NewPeers() <-chan *Peer {
	return l.newPeers
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if a, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Addr returns the listener's address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Shutdown stops accepting new connections. Connected peers are left to
// the caller.
func (l *Listener) Shutdown() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.closeCh)
	if l.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.httpSrv.Shutdown(ctx)
	}
	l.listener.Close()
	// Peers accepted but never collected.
	for {
		select {
		case p := <-l.newPeers:
			p.Close()
		default:
			return
		}
	}
}
