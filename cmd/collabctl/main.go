package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"mixable.network/collab"
)

const CollabCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

Inspects a collab event store.

Usage:
    collabctl tail --db=<db> --project=<project_id> [--after=<after>] [--follow]
    collabctl seq --db=<db> --project=<project_id>
    collabctl snapshot --db=<db> --project=<project_id>
    collabctl token --user=<user_id> [--auth_secret=<auth_secret>]
    collabctl --version

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --db=<db>                    Event store path.
    --project=<project_id>       Project id.
    --after=<after>              Start after this sequence number [default: 0].
    --follow                     Poll for new events.
    --user=<user_id>             User id to mint a token for.
    --auth_secret=<auth_secret>  JWT HMAC secret.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if seq_, _ := opts.Bool("seq"); seq_ {
		seq(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func openStore(opts docopt.Opts) (*collab.EventStore, collab.Id) {
	dbPath, _ := opts.String("--db")
	projectIdStr, _ := opts.String("--project")
	projectId, err := collab.ParseId(projectIdStr)
	if err != nil {
		Err.Fatalf("bad project id: %s", err)
	}
	store, err := collab.OpenEventStore(dbPath)
	if err != nil {
		Err.Fatalf("open event store: %s", err)
	}
	return store, projectId
}

func tail(opts docopt.Opts) {
	store, projectId := openStore(opts)
	defer store.Close()

	after, err := opts.Int("--after")
	if err != nil {
		after = 0
	}
	follow, _ := opts.Bool("--follow")

	ctx := context.Background()
	afterSequenceNumber := uint64(after)
	for {
		events, err := store.EventsAfter(ctx, projectId, afterSequenceNumber)
		if err != nil {
			Err.Fatalf("tail: %s", err)
		}
		for _, event := range events {
			payload, _ := json.Marshal(event.Payload)
			Out.Printf("%6d %s %s %s %s", event.SequenceNumber, event.Timestamp.Format(time.RFC3339), event.UserId, event.Type, string(payload))
			afterSequenceNumber = event.SequenceNumber
		}
		if !follow {
			return
		}
		time.Sleep(1 * time.Second)
	}
}

func seq(opts docopt.Opts) {
	store, projectId := openStore(opts)
	defer store.Close()

	lastSequenceNumber, err := store.LastSequence(context.Background(), projectId)
	if err != nil {
		Err.Fatalf("seq: %s", err)
	}
	Out.Printf("%d", lastSequenceNumber)
}

func snapshot(opts docopt.Opts) {
	store, projectId := openStore(opts)
	defer store.Close()

	body, sequenceNumber, err := store.LatestSnapshot(context.Background(), projectId)
	if err != nil {
		Err.Fatalf("snapshot: %s", err)
	}
	if body == nil {
		Out.Printf("no snapshot")
		return
	}
	decoded, err := collab.DecodeSnapshot(body)
	if err != nil {
		Err.Fatalf("snapshot: %s", err)
	}
	Out.Printf("sequence %d, schema v%d, %d entities", sequenceNumber, decoded.SchemaVersion, len(decoded.Entities))
	for _, entity := range decoded.Entities {
		fields, _ := json.Marshal(entity.Fields)
		Out.Printf("  %s %s parent=%s %s", entity.Id, entity.Kind, entity.ParentId, string(fields))
	}
}

func token(opts docopt.Opts) {
	userIdStr, _ := opts.String("--user")
	userId, err := collab.ParseId(userIdStr)
	if err != nil {
		Err.Fatalf("bad user id: %s", err)
	}
	var authSecret []byte
	if secret, err := opts.String("--auth_secret"); err == nil && secret != "" {
		authSecret = []byte(secret)
	}
	jwt, err := collab.NewJwtToken(authSecret, userId)
	if err != nil {
		Err.Fatalf("token: %s", err)
	}
	Out.Printf("%s", jwt)
}
