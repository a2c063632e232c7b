package stshare

import (
	"context"
	"io/ioutil"
	"log"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// ClientConfig represents a client configuration
type ClientConfig struct {
	// Server is the tunnel server URL; http(s) schemes are swapped for
	// ws(s) and default ports applied
	Server string

	// LocalAddr is the address the local front end listens on
	LocalAddr string

	// Remote is the fixed "host:port" target used in forward mode.
	// Ignored when Socks5 is set.
	Remote string

	// Socks5 turns the local front end into a SOCKS5 server; each SOCKS
	// request opens its own tunnel to the requested target
	Socks5 bool

	// Method and Pass must match the server's configuration
	Method string
	Pass   string

	// MaxRetryCount limits websocket dial retries per tunnel after the
	// first attempt (0 means a single attempt); negative means unlimited
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between dial attempts
	MaxRetryInterval time.Duration

	Debug bool
}

// Client represents a client instance: a local TCP or SOCKS5 front end that
// carries each accepted connection to the tunnel server over its own
// websocket
type Client struct {
	ShutdownHelper
	config      *ClientConfig
	method      *CipherMethod
	masterKey   []byte
	server      string
	connStats   ConnStats
	socksServer *socks5.Server
	listener    net.Listener
	remote      *TargetAddr
}

// NewClient creates a new client instance
func NewClient(config *ClientConfig) (*Client, error) {
	logLevel := LogLevelInfo
	if config.Debug {
		logLevel = LogLevelDebug
	}
	logger := NewLogger("client", logLevel)

	method, err := GetCipherMethod(config.Method)
	if err != nil {
		return nil, logger.Errorf("%s", err)
	}

	//apply default scheme
	if !strings.HasPrefix(config.Server, "http") && !strings.HasPrefix(config.Server, "ws") {
		config.Server = "http://" + config.Server
	}
	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 5 * time.Minute
	}
	u, err := url.Parse(config.Server)
	if err != nil {
		return nil, err
	}
	//apply default port
	if !regexp.MustCompile(`:\d+$`).MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host = u.Host + ":443"
		} else {
			u.Host = u.Host + ":80"
		}
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)

	c := &Client{
		config:    config,
		method:    method,
		masterKey: DeriveMasterKey(config.Pass, method.KeySize),
		server:    u.String(),
	}
	c.InitShutdownHelper(logger, c)

	if config.Socks5 {
		socksConfig := &socks5.Config{
			Dial: c.dialContext,
		}
		if c.GetLogLevel() >= LogLevelDebug {
			socksConfig.Logger = log.New(os.Stdout, "[socks]", log.Ldate|log.Ltime)
		} else {
			socksConfig.Logger = log.New(ioutil.Discard, "", 0)
		}
		c.socksServer, err = socks5.New(socksConfig)
		if err != nil {
			return nil, err
		}
		c.ILogf("SOCKS5 front end enabled")
	} else {
		remote, err := parseHostPort(config.Remote)
		if err != nil {
			return nil, c.Errorf("Bad remote target \"%s\": %s", config.Remote, err)
		}
		c.remote = remote
	}

	return c, nil
}

func parseHostPort(s string) (*TargetAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	return &TargetAddr{Host: host, Port: uint16(port)}, nil
}

// Run starts the local front end and blocks until the client shuts down
func (c *Client) Run(ctx context.Context) error {
	err := c.DoOnceActivate(
		func() error {
			c.ShutdownOnContext(ctx)
			l, err := net.Listen("tcp", c.config.LocalAddr)
			if err != nil {
				return c.DLogErrorf("Listen failed on %s: %s", c.config.LocalAddr, err)
			}
			c.listener = l
			c.ILogf("Listening on %s, tunneling via %s", l.Addr(), c.server)
			go c.acceptLoop(ctx)
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	return c.WaitShutdown()
}

// LocalAddr returns the front end's bound address, or nil before Run has
// activated the listener
func (c *Client) LocalAddr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *Client) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if !c.IsStartedShutdown() {
				c.StartShutdown(c.ELogErrorf("Accept failed: %s", err))
			}
			return
		}
		go c.handleConn(ctx, conn)
	}
}

func (c *Client) handleConn(ctx context.Context, conn net.Conn) {
	c.connStats.New()
	c.connStats.Open()
	c.DLogf("%v Open", &c.connStats)
	defer func() {
		c.connStats.Close()
		c.DLogf("%v Closed", &c.connStats)
	}()

	if c.socksServer != nil {
		if err := c.socksServer.ServeConn(conn); err != nil && !strings.HasSuffix(err.Error(), "EOF") {
			c.DLogf("SOCKS session ended: %s", err)
		}
		return
	}

	tunnel, err := c.dialTunnel(ctx, c.remote)
	if err != nil {
		conn.Close()
		return
	}
	Pipe(conn, tunnel)
}

// dialContext opens a tunnel to addr for the SOCKS5 server
func (c *Client) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, c.Errorf("Unsupported network \"%s\"", network)
	}
	target, err := parseHostPort(addr)
	if err != nil {
		return nil, err
	}
	return c.dialTunnel(ctx, target)
}

// dialTunnel opens a websocket to the server, retrying with backoff, and
// wraps it into the encrypted tunnel conn for one target
func (c *Client) dialTunnel(ctx context.Context, target *TargetAddr) (net.Conn, error) {
	b := &backoff.Backoff{Max: c.config.MaxRetryInterval}
	dialer := websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	for attempt := 0; ; attempt++ {
		wsConn, _, err := dialer.DialContext(ctx, c.server, nil)
		if err == nil {
			return NewFramedWSConn(c.Logger, wsConn, c.method, c.masterKey, target)
		}
		if c.IsStartedShutdown() || ctx.Err() != nil {
			return nil, err
		}
		maxCount := c.config.MaxRetryCount
		if maxCount >= 0 && attempt >= maxCount {
			return nil, c.ELogErrorf("Could not reach %s: %s", c.server, err)
		}
		d := b.Duration()
		c.ILogf("Connection to %s failed (%s), retrying in %s...", c.server, err, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ShutdownStartedChan():
			return nil, err
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	var err error
	if c.listener != nil {
		err = c.listener.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
