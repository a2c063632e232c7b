package stshare

import (
	"io"
	"io/ioutil"
	"testing"
	"time"

	"github.com/prep/socketpair"
)

// TestPipeBidirectional wires two real socket pairs together with Pipe and
// checks both directions plus half-close propagation. Socket pairs are used
// instead of net.Pipe so CloseWrite has true FIN semantics.
func TestPipeBidirectional(t *testing.T) {
	a1, b1, err := socketpair.New("unix")
	if err != nil {
		t.Fatal(err)
	}
	a2, b2, err := socketpair.New("unix")
	if err != nil {
		t.Fatal(err)
	}
	defer a1.Close()
	defer b2.Close()

	done := make(chan struct{})
	go func() {
		Pipe(b1, a2)
		close(done)
	}()

	if _, err := a1.Write([]byte("request")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 7)
	b2.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(b2, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "request" {
		t.Errorf("forward direction carried %q", buf)
	}

	if _, err := b2.Write([]byte("response")); err != nil {
		t.Fatal(err)
	}
	buf = make([]byte, 8)
	a1.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(a1, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "response" {
		t.Errorf("reverse direction carried %q", buf)
	}

	// half-close from the requesting side must surface as end-of-stream at
	// the far side, HTTP 1.0 style
	if whc, ok := a1.(WriteHalfCloser); ok {
		whc.CloseWrite()
	} else {
		t.Fatal("socketpair conn does not support CloseWrite")
	}
	b2.SetReadDeadline(time.Now().Add(5 * time.Second))
	if data, err := ioutil.ReadAll(b2); err != nil || len(data) != 0 {
		t.Errorf("expected clean end-of-stream, got %q err=%v", data, err)
	}

	b2.Close()
	a1.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Pipe did not return after both sides closed")
	}
}
