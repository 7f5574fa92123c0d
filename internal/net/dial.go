package net

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dial connects to a host and returns a started Peer. The context bounds
// the connection attempt only.
func Dial(ctx context.Context, transport, addr string, port int, opts PeerOptions, log *zap.Logger) (*Peer, error) {
	hostPort := net.JoinHostPort(addr, strconv.Itoa(port))
	var c Conn
	switch transport {
	case "", TransportTCP:
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", hostPort)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", hostPort, err)
		}
		c = newTCPConn(nc)
	case TransportWebSocket:
		u := url.URL{Scheme: "ws", Host: hostPort, Path: WebSocketPath}
		wc, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u.String(), err)
		}
		c = newWSConn(wc)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
	p := NewPeer(c, 0, opts, log)
	p.Start()
	return p, nil
}
