package stshare

import (
	"context"
	"encoding/hex"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewServerRejectsUnknownMethod(t *testing.T) {
	_, err := NewServer(&ServerConfig{Method: "rot13", Pass: "secret"})
	if err == nil || !strings.Contains(err.Error(), "unsupported cipher method") {
		t.Errorf("expected unsupported method error, got %v", err)
	}
}

func TestLandingEndpoints(t *testing.T) {
	s, err := NewServer(&ServerConfig{Method: testMethod, Pass: testPass})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleClientHandler(context.Background(), w, r)
	}))
	t.Cleanup(ts.Close)

	cases := []struct {
		path       string
		wantStatus int
	}{
		{"/", 200},
		{"/index.html", 200},
		{"/generate_204", 204},
		{"/anything-else", 404},
		{"/index.htm", 404},
	}
	for _, c := range cases {
		resp, err := http.Get(ts.URL + c.path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != c.wantStatus {
			t.Errorf("GET %s: status %d, want %d", c.path, resp.StatusCode, c.wantStatus)
		}
		switch c.wantStatus {
		case 200:
			if !strings.Contains(string(body), "<html") {
				t.Errorf("GET %s: body is not the landing page", c.path)
			}
		case 204:
			if len(body) != 0 {
				t.Errorf("GET %s: 204 response carried a body", c.path)
			}
			if !resp.Close && !strings.EqualFold(resp.Header.Get("Connection"), "close") {
				t.Errorf("GET %s: expected Connection: close", c.path)
			}
		}
	}
}

func TestPassFileReload(t *testing.T) {
	passFile := filepath.Join(t.TempDir(), "pass")
	if err := ioutil.WriteFile(passFile, []byte("first-pass\n"), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := NewServer(&ServerConfig{Method: testMethod, PassFile: passFile})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	m := mustMethod(t, testMethod)
	firstKey := hex.EncodeToString(DeriveMasterKey("first-pass", m.KeySize))
	if got := hex.EncodeToString(s.MasterKey()); got != firstKey {
		t.Fatalf("initial key %s, want %s", got, firstKey)
	}

	if err := ioutil.WriteFile(passFile, []byte("second-pass\n"), 0600); err != nil {
		t.Fatal(err)
	}
	secondKey := hex.EncodeToString(DeriveMasterKey("second-pass", m.KeySize))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if hex.EncodeToString(s.MasterKey()) == secondKey {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("master key never picked up the new passphrase")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServerShutdownOnContext(t *testing.T) {
	s, err := NewServer(&ServerConfig{Method: testMethod, Pass: testPass})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, "127.0.0.1", "0")
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
