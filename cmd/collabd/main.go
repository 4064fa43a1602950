package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"mixable.network/collab"
)

const CollabdVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
	flag.Set("logtostderr", "true")
}

func main() {
	usage := `Collab sync server.

Serves the websocket join point at /ws and the snapshot bundle pair at
/bundle/<project_id>.

Usage:
    collabd serve [--listen=<listen>] [--db=<db>] [--auth_secret=<auth_secret>]
    collabd --version

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --listen=<listen>            Listen address [default: localhost:8090].
    --db=<db>                    Event store path [default: collab.sqlite3].
    --auth_secret=<auth_secret>  JWT HMAC secret. Unset parses tokens unverified.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabdVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	dbPath, _ := opts.String("--db")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	store, err := collab.OpenEventStore(dbPath)
	if err != nil {
		Err.Fatalf("open event store: %s", err)
	}
	defer store.Close()

	var authSecret []byte
	if secret, err := opts.String("--auth_secret"); err == nil && secret != "" {
		authSecret = []byte(secret)
	}
	authorize := collab.NewJwtAuthorize(authSecret)

	server := collab.NewServerWithDefaults(cancelCtx, store, authorize)
	defer server.Close()

	httpServer := &http.Server{
		Addr:    listen,
		Handler: server.Handler(),
	}
	go func() {
		<-cancelCtx.Done()
		httpServer.Shutdown(context.Background())
	}()

	glog.Infof("collabd %s listening on %s (db %s)\n", CollabdVersion, listen, dbPath)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatalf("serve: %s", err)
	}
}
