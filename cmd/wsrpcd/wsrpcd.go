// Program wsrpcd is a demonstration server that accepts JSON-RPC connections
// over WebSocket.
//
// Usage:
//
//	wsrpcd [options]
//
// Settings are read from the environment, and from a .env file in the working
// directory if one exists. Flags override the environment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/wsrpc"
	"github.com/creachadair/wsrpc/channel"
	"github.com/creachadair/wsrpc/handler"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

var (
	listenAddr  = flag.String("addr", "", "Listen address (env WSRPC_ADDR)")
	idParam     = flag.String("id-param", "", "Query parameter carrying the connection ID (env WSRPC_ID_PARAM)")
	laxNotify   = flag.Bool("lax", false, "Deliver notifications to all connections (env WSRPC_LAX_NOTIFY)")
	codecName   = flag.String("codec", "", `Frame codec, "json" or "cbor" (env WSRPC_CODEC)`)
	rateLimit   = flag.Float64("rate", 0, "Inbound messages per second per connection, 0 for no limit (env WSRPC_RATE)")
	origins     = flag.String("origins", "*", "Comma-separated allowed origins")
	tickEvery   = flag.Duration("tick", time.Second, "Interval between tick notifications")
	withLogging = flag.Bool("v", false, "Enable verbose logging")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: %s [options]

Serve JSON-RPC over WebSocket. Every path is a namespace; the root namespace
"/" provides these methods:

  echo  -- returns its parameters unchanged
  time  -- returns the current time in RFC 3339 format

and publishes a "tick" notification at the interval set by -tick. Subscribe
to it by calling rpc.on with ["tick"]. Engine metrics are served at
/debug/vars.

Options:
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

type config struct {
	Addr      string
	IDParam   string
	Lax       bool
	Codec     channel.Codec
	RateLimit rate.Limit
}

func loadConfig() (*config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	pick := func(name, env, def string) string {
		if set[name] {
			return flag.Lookup(name).Value.String()
		} else if v := os.Getenv(env); v != "" {
			return v
		}
		return def
	}

	cfg := &config{
		Addr:    pick("addr", "WSRPC_ADDR", ":8080"),
		IDParam: pick("id-param", "WSRPC_ID_PARAM", wsrpc.DefaultIDParam),
	}
	lax, err := strconv.ParseBool(pick("lax", "WSRPC_LAX_NOTIFY", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid lax setting: %w", err)
	}
	cfg.Lax = lax

	switch c := strings.ToLower(pick("codec", "WSRPC_CODEC", "json")); c {
	case "json":
		cfg.Codec = channel.JSON
	case "cbor":
		cfg.Codec = channel.CBOR
	default:
		return nil, fmt.Errorf("unknown codec %q", c)
	}

	r, err := strconv.ParseFloat(pick("rate", "WSRPC_RATE", "0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid rate: %w", err)
	}
	cfg.RateLimit = rate.Limit(r)
	return cfg, nil
}

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}

	var logger wsrpc.Logger
	if *withLogging {
		logger = wsrpc.StdLogger(log.New(os.Stderr, "[wsrpcd] ", log.LstdFlags|log.Lshortfile))
	}
	allowed := strings.Split(*origins, ",")
	srv := wsrpc.NewServer(&wsrpc.ServerOptions{
		Logger:           logger,
		IDParam:          cfg.IDParam,
		LaxNotifications: cfg.Lax,
		Conn: &wsrpc.ConnOptions{
			Logger:    logger,
			RateLimit: cfg.RateLimit,
			RateBurst: int(cfg.RateLimit) + 1,
		},
		Accept: &channel.AcceptOptions{
			OriginPatterns: allowed,
			Codec:          cfg.Codec,
		},
	})

	root := srv.Namespace("/")
	if err := methods.Register(root); err != nil {
		log.Fatalf("Registering methods: %v", err)
	}
	if err := root.RegisterNotification("tick"); err != nil {
		log.Fatalf("Registering topics: %v", err)
	}

	expvar.Publish("wsrpc", wsrpc.Metrics())
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/", srv)
	hs := &http.Server{
		Addr: cfg.Addr,
		Handler: cors.New(cors.Options{
			AllowedOrigins: allowed,
			AllowedMethods: []string{http.MethodGet},
			AllowedHeaders: []string{"*"},
			MaxAge:         600,
		}).Handler(mux),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go tick(ctx, srv, *tickEvery)
	go func() {
		<-ctx.Done()
		log.Print("Shutting down")
		srv.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()

	log.Printf("Listening at %q (codec %s, lax=%v)", cfg.Addr, codecLabel(cfg.Codec), cfg.Lax)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
}

var methods = handler.Map{
	"echo": handler.New(func(_ context.Context, req *wsrpc.Request) json.RawMessage {
		if !req.HasParams() {
			return nil
		}
		return json.RawMessage(req.ParamString())
	}),
	"time": handler.New(func(context.Context) string {
		return time.Now().UTC().Format(time.RFC3339)
	}),
}

// tick publishes a tick notification to every namespace at each interval
// until ctx ends.
func tick(ctx context.Context, srv *wsrpc.Server, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			err := srv.Notify(ctx, "tick", map[string]any{
				"n":    n,
				"time": now.UTC().Format(time.RFC3339),
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("Publishing tick %d: %v", n, err)
			}
		}
	}
}

func codecLabel(c channel.Codec) string {
	if c == channel.CBOR {
		return "cbor"
	}
	return "json"
}
