package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/keygate/gateway/gateway"
)

const GatewayCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Gateway control.

Usage:
    gatewayctl run --url=<url> --token=<token> --db=<db>
        [--tick=<tick>]
    gatewayctl handshake-url --url=<url> --token=<token>
        [--static_token=<static_token>]
    gatewayctl close --url=<url> --token=<token>
        --main_key=<main_key>
        --subscription_id=<subscription_id>

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --url=<url>                        Gateway websocket url, e.g. wss://gate.example.com/ws
    --token=<token>                    Connection auth token.
    --db=<db>                          Path to the billing database.
    --tick=<tick>                      Billing tick interval in seconds.
    --static_token=<static_token>      Make the handshake url reusable.
    --main_key=<main_key>
    --subscription_id=<subscription_id>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], GatewayCtlVersion)
	if err != nil {
		panic(err)
	}

	// glog to stderr unless overridden
	flag.Set("logtostderr", "true")
	flag.Parse()

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if handshakeUrl_, _ := opts.Bool("handshake-url"); handshakeUrl_ {
		handshakeUrl(opts)
	} else if close_, _ := opts.Bool("close"); close_ {
		closeSubscription(opts)
	}
}

func connect(ctx context.Context, opts docopt.Opts) (*gateway.Client, error) {
	url, _ := opts.String("--url")
	token, _ := opts.String("--token")

	conn, err := gateway.ConnectWithDefaults(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	client := gateway.NewClientWithDefaults(conn)
	if err := client.Auth(ctx, token); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	return client, nil
}

// run the billing scheduler until interrupted
func run(opts docopt.Opts) {
	dbPath, _ := opts.String("--db")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connect(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer client.Connection().Close()

	store, err := gateway.NewStore(dbPath)
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}
	defer store.Close()

	settings := gateway.DefaultSchedulerSettings()
	if tick, err := opts.Int("--tick"); err == nil && 0 < tick {
		settings.TickInterval = time.Duration(tick) * time.Second
	}

	scheduler := gateway.NewBillingScheduler(cancelCtx, client, store, settings)
	defer scheduler.Close()

	scheduler.AddCancelListener(func(subscription *gateway.Subscription, reason string) {
		Out.Printf("subscription %s cancelled: %s", subscription.Id, reason)
	})

	unsub, err := scheduler.ListenRemoteCloses(cancelCtx)
	if err != nil {
		Err.Fatalf("listen remote closes: %s", err)
	}
	defer unsub()

	Out.Printf("billing scheduler running (tick %s)", settings.TickInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-client.Connection().Done():
		Err.Fatalf("connection closed")
	}
}

// print a handshake url and wait for the first remote key
func handshakeUrl(opts docopt.Opts) {
	staticToken, _ := opts.String("--static_token")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connect(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer client.Connection().Close()

	done := make(chan *gateway.KeyHandshake, 1)
	url, err := client.NewKeyHandshakeUrl(cancelCtx, staticToken, func(event *gateway.KeyHandshake) {
		select {
		case done <- event:
		default:
		}
	})
	if err != nil {
		Err.Fatalf("handshake url: %s", err)
	}

	Out.Printf("%s", url.Url)

	select {
	case event := <-done:
		Out.Printf("key %s", event.MainKey)
	case <-client.Connection().Done():
		Err.Fatalf("connection closed")
	}
}

func closeSubscription(opts docopt.Opts) {
	mainKey, _ := opts.String("--main_key")
	subscriptionId, _ := opts.String("--subscription_id")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connect(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer client.Connection().Close()

	message, err := client.CloseRecurringPayment(cancelCtx, mainKey, subscriptionId)
	if err != nil {
		Err.Fatalf("close: %s", err)
	}
	Out.Printf("%s", message)
}
