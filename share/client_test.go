package stshare

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func startClient(t *testing.T, config *ClientConfig) *Client {
	t.Helper()
	c, err := NewClient(config)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		c.WaitShutdown()
	})
	go c.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for c.LocalAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("client listener never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return c
}

func TestClientForwardMode(t *testing.T) {
	_, wsURL := startTunnelServer(t)
	echoAddr := startEchoServer(t)

	c := startClient(t, &ClientConfig{
		Server:        wsURL,
		LocalAddr:     "127.0.0.1:0",
		Remote:        echoAddr,
		Method:        testMethod,
		Pass:          testPass,
		MaxRetryCount: 2,
	})

	conn, err := net.Dial("tcp", c.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo through forward mode = %q", buf)
	}
}

func TestClientSocks5Mode(t *testing.T) {
	_, wsURL := startTunnelServer(t)
	echoAddr := startEchoServer(t)

	c := startClient(t, &ClientConfig{
		Server:        wsURL,
		LocalAddr:     "127.0.0.1:0",
		Socks5:        true,
		Method:        testMethod,
		Pass:          testPass,
		MaxRetryCount: 2,
	})

	conn, err := net.Dial("tcp", c.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	// SOCKS5 greeting, no auth
	if _, err := conn.Write([]byte{5, 1, 0}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 5 || reply[1] != 0 {
		t.Fatalf("greeting reply %x", reply)
	}

	// CONNECT to the echo server by IPv4 literal
	host, portStr, _ := net.SplitHostPort(echoAddr)
	ip := net.ParseIP(host).To4()
	target, err := parseHostPort(net.JoinHostPort(host, portStr))
	if err != nil {
		t.Fatal(err)
	}
	req := []byte{5, 1, 0, 1}
	req = append(req, ip...)
	req = append(req, byte(target.Port>>8), byte(target.Port))
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}
	connectReply := make([]byte, 10)
	if _, err := io.ReadFull(conn, connectReply); err != nil {
		t.Fatal(err)
	}
	if connectReply[1] != 0 {
		t.Fatalf("CONNECT failed with code %d", connectReply[1])
	}

	if _, err := conn.Write([]byte("socks-ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "socks-ping" {
		t.Errorf("echo through SOCKS5 = %q", buf)
	}
}

func TestClientBadServerGivesUp(t *testing.T) {
	c, err := NewClient(&ClientConfig{
		Server:           "127.0.0.1:1", // nothing listens here
		LocalAddr:        "127.0.0.1:0",
		Remote:           "127.0.0.1:2",
		Method:           testMethod,
		Pass:             testPass,
		MaxRetryCount:    0,
		MaxRetryInterval: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.dialTunnel(context.Background(), &TargetAddr{Host: "127.0.0.1", Port: 2}); err == nil {
		t.Error("dialTunnel succeeded against a dead server")
	}
	c.Close()
}

func TestNewClientRejectsUnknownMethod(t *testing.T) {
	_, err := NewClient(&ClientConfig{
		Server:    "127.0.0.1:8080",
		LocalAddr: "127.0.0.1:0",
		Remote:    "127.0.0.1:80",
		Method:    "rot13",
		Pass:      testPass,
	})
	if err == nil {
		t.Error("expected an error for an unknown method")
	}
}
