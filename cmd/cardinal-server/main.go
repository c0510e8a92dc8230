package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/RemnantsOfSiren/Cardinal/cardinal"
	"github.com/RemnantsOfSiren/Cardinal/transport/ws"
	"github.com/RemnantsOfSiren/Cardinal/types"
)

var (
	dev        = flag.Bool("dev", false, "run in localhost development mode (overrides -a, skips the config file)")
	addr       = flag.String("a", ":3350", "server HTTP listen address, in form \":port\", \"ip:port\", or for IPv6 \"[ip]:port\". If the IP is omitted, it defaults to all interfaces.")
	configPath = flag.String("c", "", "config file path (TOML)")
	debug      = flag.Bool("debug", false, "set log level to debug")
)

const CardinalDefaultHTML = `
<html>
	<body>
		<h1>Cardinal</h1>
		<p>
		  This is a cardinal authority server.
		  Fetch a join token from /join and dial /ws with it.
		</p>
    </body>
</html>
`

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *dev {
		*addr = "127.0.0.1:3350"
		log.Printf("Running in dev mode.")
	}

	programLevel := new(slog.LevelVar) // Info by default
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))

	if *debug {
		programLevel.Set(slog.LevelDebug)
	}

	cfg := loadConfig()

	secret, err := ws.ParseSecret(cfg.JoinSecret)
	if err != nil {
		log.Fatalf("cardinal: config join_secret: %v", err)
	}

	ttl, err := cfg.tokenTTL()
	if err != nil {
		log.Fatalf("cardinal: config token_ttl: %v", err)
	}

	sweep, err := cfg.sweepInterval()
	if err != nil {
		log.Fatalf("cardinal: config sweep_interval: %v", err)
	}

	host := ws.NewServer(secret)

	rt := cardinal.New(cardinal.Config{
		Role:          types.RoleAuthority,
		Host:          host,
		SweepInterval: sweep,
	})

	if err := rt.Register(newGameModule()); err != nil {
		log.Fatalf("cardinal: registering game module: %v", err)
	}

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("cardinal: starting runtime: %v", err)
	}
	defer rt.Close()

	mux := http.NewServeMux()

	mux.Handle("/ws", host.Handler())

	mux.Handle("/join", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, token := host.MintJoin(ttl)

		slog.Info("minted join token", "conn", conn.Debug(), "peer", r.RemoteAddr)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Conn  types.ConnID `json:"conn"`
			Token string       `json:"token"`
		}{conn, token})
	}))

	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		browserHeaders(w)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		w.WriteHeader(200)

		io.WriteString(w, CardinalDefaultHTML)
	}))

	mux.Handle("/robots.txt", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		browserHeaders(w)
		io.WriteString(w, "User-agent: *\nDisallow: /\n")
	}))

	httpsrv := &http.Server{
		Addr:    *addr,
		Handler: mux,

		// Joined websockets are hijacked out of the server's hands at
		// upgrade time, so these cover only the plain HTTP surface.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpsrv.Shutdown(ctx)
	}()

	slog.Info("cardinal: serving", "addr", *addr)
	err = httpsrv.ListenAndServe()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("cardinal: error %s", err)
	}
}

func browserHeaders(w http.ResponseWriter) {
	w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; form-action 'self'; base-uri 'self'; block-all-mixed-content; object-src 'none'")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

type Config struct {
	// JoinSecret seals join tokens; hex, 32 bytes. Share it with whatever
	// mints tokens on this server's behalf.
	JoinSecret string `toml:"join_secret"`

	// TokenTTL bounds how long a minted join token stays usable.
	TokenTTL string `toml:"token_ttl"`

	// SweepInterval is the lifecycle replay sweeper's tick.
	SweepInterval string `toml:"sweep_interval"`
}

func (c Config) tokenTTL() (time.Duration, error) {
	if c.TokenTTL == "" {
		return time.Hour, nil
	}

	return time.ParseDuration(c.TokenTTL)
}

func (c Config) sweepInterval() (time.Duration, error) {
	if c.SweepInterval == "" {
		return cardinal.DefaultSweepInterval, nil
	}

	return time.ParseDuration(c.SweepInterval)
}

func loadConfig() Config {
	if *dev {
		return newConfig()
	}
	if *configPath == "" {
		if os.Getuid() == 0 {
			*configPath = "/var/lib/cardinal/server.toml"
		} else {
			log.Fatalf("cardinal: -c <config path> not specified")
		}
		log.Printf("no config path specified; using %s", *configPath)
	}
	b, err := os.ReadFile(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return writeNewConfig()
	case err != nil:
		log.Fatal(err)
		panic("unreachable")
	default:
		var cfg Config
		if err := toml.Unmarshal(b, &cfg); err != nil {
			log.Fatalf("cardinal: config: %v", err)
		}
		return cfg
	}
}

func writeNewConfig() Config {
	if err := os.MkdirAll(filepath.Dir(*configPath), 0777); err != nil {
		log.Fatal(err)
	}
	cfg := newConfig()
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*configPath, buf.Bytes(), 0600); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote fresh config to %s", *configPath)
	return cfg
}

func newConfig() Config {
	return Config{JoinSecret: ws.NewSecret().HexString()}
}
