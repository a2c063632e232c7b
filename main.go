package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	stshare "github.com/sammck-go/shadowtun/share"
)

var help = `
  Usage: shadowtun [command] [--help]

  Commands:
    server - runs the tunnel server (default). Configured with environment
             variables:
               METHOD    AEAD method, "aes-256-gcm" or "chacha20-poly1305"
                         (default "chacha20-poly1305")
               PASS      pre-shared passphrase (default "secret")
               PASS_FILE path of a passphrase file to load and watch;
                         overrides PASS
               PORT      TCP listen port (default "80")
               HOST      bind address (default all interfaces)
               PROXY     optional URL to reverse proxy plain HTTP to
               DEBUG     any value enables debug logging
    client - runs the local tunnel client; see client --help
`

func main() {
	args := os.Args[1:]
	subcmd := "server"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "server":
		server()
	case "client":
		client(args)
	default:
		fmt.Print(help)
		os.Exit(1)
	}
}

func envOr(name, dflt string) string {
	v := os.Getenv(name)
	if v == "" {
		v = dflt
	}
	return v
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func server() {
	config := &stshare.ServerConfig{
		Method:   envOr("METHOD", "chacha20-poly1305"),
		Pass:     envOr("PASS", "secret"),
		PassFile: os.Getenv("PASS_FILE"),
		Proxy:    os.Getenv("PROXY"),
		Debug:    os.Getenv("DEBUG") != "",
	}
	host := os.Getenv("HOST")
	port := envOr("PORT", "80")

	s, err := stshare.NewServer(config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := s.Run(signalContext(), host, port); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client(args []string) {
	flags := flag.NewFlagSet("client", flag.ExitOnError)
	config := &stshare.ClientConfig{}
	flags.StringVar(&config.Server, "server", "", "tunnel server URL (required)")
	flags.StringVar(&config.LocalAddr, "local", "127.0.0.1:1080", "local listen address")
	flags.StringVar(&config.Remote, "remote", "", "fixed host:port target (forward mode)")
	flags.BoolVar(&config.Socks5, "socks5", false, "serve SOCKS5 locally instead of a fixed target")
	flags.StringVar(&config.Method, "method", envOr("METHOD", "chacha20-poly1305"), "AEAD method")
	flags.StringVar(&config.Pass, "pass", envOr("PASS", "secret"), "pre-shared passphrase")
	flags.IntVar(&config.MaxRetryCount, "max-retry-count", -1, "websocket dial retries per tunnel after the first attempt, -1 for unlimited")
	flags.DurationVar(&config.MaxRetryInterval, "max-retry-interval", 5*time.Minute, "cap on dial retry backoff")
	flags.BoolVar(&config.Debug, "debug", os.Getenv("DEBUG") != "", "enable debug logging")
	flags.Parse(args)

	if config.Server == "" || (!config.Socks5 && config.Remote == "") {
		flags.Usage()
		os.Exit(1)
	}

	c, err := stshare.NewClient(config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := c.Run(signalContext()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
