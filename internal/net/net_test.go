package net

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFrameRejectsBadLengths(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err == nil {
		t.Fatalf("empty frame accepted")
	}
	buf.Write([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("zero length accepted")
	}
	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0x7f})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("oversized length accepted")
	}
}

func TestFramesAreDelimited(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte{1, 2, 3})
	_ = WriteFrame(&buf, []byte{4})
	a, err := ReadFrame(&buf)
	if err != nil || !bytes.Equal(a, []byte{1, 2, 3}) {
		t.Fatalf("first = %v, %v", a, err)
	}
	b, err := ReadFrame(&buf)
	if err != nil || !bytes.Equal(b, []byte{4}) {
		t.Fatalf("second = %v, %v", b, err)
	}
}

func TestListenFallsBackWhenPortTaken(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()
	taken := occupied.Addr().(*net.TCPAddr).Port

	l, err := Listen(ListenConfig{Host: "127.0.0.1", Port: taken}, PeerOptions{}, zap.NewNop())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Shutdown()
	if l.Port() == taken || l.Port() == 0 {
		t.Fatalf("bound port = %d, taken = %d", l.Port(), taken)
	}
}

func TestListenUnknownTransport(t *testing.T) {
	if _, err := Listen(ListenConfig{Transport: "udp"}, PeerOptions{}, zap.NewNop()); err == nil {
		t.Fatalf("unknown transport accepted")
	}
}

func testLoopback(t *testing.T, transport string) {
	t.Helper()
	opts := PeerOptions{InQueueSize: 8, OutQueueSize: 8, WriteTimeout: time.Second}
	l, err := Listen(ListenConfig{Transport: transport, Host: "127.0.0.1"}, opts, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown()
	go l.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, transport, "127.0.0.1", l.Port(), opts, zap.NewNop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server *Peer
	select {
	case server = <-l.NewPeers():
	case <-time.After(2 * time.Second):
		t.Fatalf("no peer accepted")
	}
	defer server.Close()

	client.Send([]byte{0x01, 0xaa})
	client.FlushOutput()
	select {
	case got := <-server.InQueue:
		if !bytes.Equal(got, []byte{0x01, 0xaa}) {
			t.Fatalf("server got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server received nothing")
	}

	server.Send([]byte{0x02})
	server.CloseAfterFlush()
	select {
	case got := <-client.InQueue:
		if !bytes.Equal(got, []byte{0x02}) {
			t.Fatalf("client got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client received nothing")
	}
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client not closed after server hung up")
	}
}

func TestTCPLoopback(t *testing.T)       { testLoopback(t, TransportTCP) }
func TestWebSocketLoopback(t *testing.T) { testLoopback(t, TransportWebSocket) }
