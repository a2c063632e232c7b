package stshare

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
)

// ServerConfig is the configuration for the tunnel service
type ServerConfig struct {
	// Method is the AEAD cipher method name
	Method string

	// Pass is the pre-shared passphrase the master key is derived from.
	// Ignored if PassFile is set.
	Pass string

	// PassFile is an optional path to a file holding the passphrase. The
	// file is watched; when it changes, the master key is re-derived and
	// used for connections made from then on.
	PassFile string

	// Proxy is an optional URL; when set, plain HTTP requests are reverse
	// proxied there instead of being served the landing endpoints
	Proxy string

	Debug bool
}

// Server is a tunnel service: one TCP port that answers plain HTTP with the
// landing endpoints and upgrades websocket requests into encrypted relays
type Server struct {
	ShutdownHelper
	connStats    ConnStats
	httpServer   *HTTPServer
	reverseProxy *httputil.ReverseProxy
	method       *CipherMethod
	config       *ServerConfig
	httpHandler  http.Handler
	watcher      *fsnotify.Watcher

	keyLock   sync.RWMutex
	masterKey []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates and returns a new tunnel server
func NewServer(config *ServerConfig) (*Server, error) {
	logLevel := LogLevelInfo
	if config.Debug {
		logLevel = LogLevelDebug
	}
	logger := NewLogger("server", logLevel)

	method, err := GetCipherMethod(config.Method)
	if err != nil {
		return nil, logger.Errorf("%s", err)
	}

	s := &Server{
		httpServer: NewHTTPServer(logger),
		method:     method,
		config:     config,
	}
	s.InitShutdownHelper(logger, s)

	pass := config.Pass
	if config.PassFile != "" {
		pass, err = readPassFile(config.PassFile)
		if err != nil {
			return nil, s.Errorf("Could not read passphrase file: %s", err)
		}
		s.watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return nil, s.Errorf("Could not create passphrase file watcher: %s", err)
		}
		if err := s.watcher.Add(config.PassFile); err != nil {
			s.watcher.Close()
			return nil, s.Errorf("Could not watch passphrase file: %s", err)
		}
		go s.watchPassFile()
	}
	s.masterKey = DeriveMasterKey(pass, method.KeySize)

	//setup reverse proxy for non-upgrade requests
	if config.Proxy != "" {
		u, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, s.Errorf("Missing protocol (%s)", u)
		}
		s.reverseProxy = httputil.NewSingleHostReverseProxy(u)
		//always use proxy host
		s.reverseProxy.Director = func(r *http.Request) {
			r.URL.Scheme = u.Scheme
			r.URL.Host = u.Host
			r.Host = u.Host
		}
	}

	return s, nil
}

// MasterKey returns the key currently derived from the passphrase. Each
// relay snapshots it once at connection start.
func (s *Server) MasterKey() []byte {
	s.keyLock.RLock()
	defer s.keyLock.RUnlock()
	return s.masterKey
}

// Method returns the configured AEAD cipher method
func (s *Server) Method() *CipherMethod {
	return s.method
}

func readPassFile(path string) (string, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// watchPassFile consumes passphrase file events until the watcher is closed
// at shutdown, re-deriving the master key on every change
func (s *Server) watchPassFile() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pass, err := readPassFile(s.config.PassFile)
			if err != nil {
				s.ELogf("Passphrase file reload failed: %s", err)
				continue
			}
			s.keyLock.Lock()
			s.masterKey = DeriveMasterKey(pass, s.method.KeySize)
			s.keyLock.Unlock()
			s.ILogf("Passphrase reloaded from %s; new connections will use the new key", s.config.PassFile)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.ELogf("Passphrase file watcher: %s", err)
		}
	}
}

// Run is responsible for starting the tunnel service. It returns when the
// server shuts down.
func (s *Server) Run(ctx context.Context, host, port string) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)

			s.ILogf("Method %s", s.method.Name)
			if s.config.PassFile != "" {
				s.ILogf("Passphrase loaded from %s (watched)", s.config.PassFile)
			}
			if s.reverseProxy != nil {
				s.ILogf("Reverse proxy enabled")
			}
			s.ILogf("Listening on %s:%s...", host, port)

			h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				s.handleClientHandler(ctx, w, r)
			}))

			if s.GetLogLevel() >= LogLevelDebug {
				h = requestlog.Wrap(h)
			}

			s.httpHandler = h

			return nil
		},
		true,
	)

	if err != nil {
		return err
	}

	s.httpServer.ListenAndServe(ctx, host+":"+port, s.httpHandler)

	return s.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	if s.watcher != nil {
		s.watcher.Close()
	}
	err := s.httpServer.Close()

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
