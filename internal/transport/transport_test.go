package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestListenAndDial(t *testing.T) {
	ctx := context.Background()
	l, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(Port(l.Addr())))
	conn, err := Dial(ctx, TCPDialer(time.Second), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		defer c.Close()
		remote, ok := RemoteAddrPort(c)
		if !ok || !remote.Addr().Is4() {
			t.Errorf("RemoteAddrPort = %v, %v", remote, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not accept")
	}
}

func TestRemoteAddrPortPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if _, ok := RemoteAddrPort(a); ok {
		t.Error("RemoteAddrPort on pipe reported ok")
	}
}

func TestListenPacketPort(t *testing.T) {
	pc, err := ListenPacket(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()
	if Port(pc.LocalAddr()) == 0 {
		t.Error("Port = 0")
	}
}
