// Program wscall issues RPC calls to a JSON-RPC server over WebSocket, and
// optionally subscribes to its notifications.
//
// Usage:
//
//	wscall [options] <url> {<method> <params>}...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/wsrpc"
	"github.com/creachadair/wsrpc/channel"
)

var (
	dialTimeout = flag.Duration("dial", 5*time.Second, "Timeout on connecting to the server")
	callTimeout = flag.Duration("timeout", 0, "Timeout on each call (0 for the default)")
	doNotify    = flag.Bool("notify", false, "Send notifications rather than calls")
	useCBOR     = flag.Bool("cbor", false, "Send messages as CBOR binary frames")
	subTopics   = flag.String("sub", "", "Comma-separated topics to subscribe to")
	doTiming    = flag.Bool("T", false, "Print call timing stats")
	withLogging = flag.Bool("v", false, "Enable verbose logging")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: %s [options] <url> {<method> <params>}...

Connect to the WebSocket server at the specified ws:// or wss:// URL and
issue the specified JSON-RPC method calls in order. The resulting response
values are printed to stdout, one per line.

If -sub is set, subscribe to the given topics after the calls complete, and
print each notification as it arrives until interrupted. The client
reconnects and renews its subscriptions if the connection drops.

Options:
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg()%2 == 0 {
		log.Fatal("Arguments are <url> {<method> <params>}...")
	} else if flag.NArg() == 1 && *subTopics == "" {
		log.Fatal("Nothing to do: provide calls or -sub topics")
	}

	opts := &wsrpc.ClientOptions{
		Conn:        &wsrpc.ConnOptions{CallTimeout: *callTimeout},
		DialOptions: &channel.DialOptions{},
	}
	if *useCBOR {
		opts.DialOptions.Codec = channel.CBOR
	}
	if *withLogging {
		lg := wsrpc.StdLogger(log.New(os.Stderr, "[wscall] ", log.LstdFlags|log.Lshortfile))
		opts.Logger = lg
		opts.Conn.Logger = lg
	}
	cli := wsrpc.NewClient(flag.Arg(0), opts)
	defer cli.Close()
	cli.OnNotify(func(_ context.Context, req *wsrpc.Request) {
		params := req.ParamString()
		if params == "" {
			params = "null"
		}
		fmt.Printf(`{"method":%q,"params":%s}`+"\n", req.Method(), params)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, *dialTimeout)
	err := cli.Connect(dctx)
	cancel()
	if err != nil {
		log.Fatalf("Connect %q: %v", flag.Arg(0), err)
	}
	tdial := time.Now()

	ok := issueCalls(ctx, cli, flag.Args()[1:])
	tcall := time.Now()
	if *doTiming {
		fmt.Fprintf(os.Stderr, "%v elapsed: %v dial, %v call\n",
			tcall.Sub(start), tdial.Sub(start), tcall.Sub(tdial))
	}
	if !ok {
		os.Exit(1)
	}

	if *subTopics != "" {
		res, err := cli.Subscribe(ctx, strings.Split(*subTopics, ",")...)
		if err != nil {
			log.Fatalf("Subscribe: %v", err)
		}
		for topic, status := range res {
			if status != "ok" {
				log.Printf("Topic %q: %s", topic, status)
			}
		}
		<-ctx.Done()
	}
}

// issueCalls sends each method and its parameters in order, printing the
// results. It reports whether all of them succeeded.
func issueCalls(ctx context.Context, cli *wsrpc.Client, args []string) bool {
	ok := true
	for i := 0; i < len(args); i += 2 {
		method, params := args[i], param(args[i+1])
		if *doNotify {
			if err := cli.Notify(ctx, method, params); err != nil {
				log.Printf("Notify %q: %v", method, err)
				ok = false
			}
			continue
		}
		var result json.RawMessage
		if err := cli.CallResult(ctx, method, params, &result); err != nil {
			log.Printf("Error (%s): %v", method, err)
			ok = false
			continue
		}
		fmt.Println(string(result))
	}
	return ok
}

func param(s string) any {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
