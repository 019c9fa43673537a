package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/bringyour/docsync/api"
	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/patch"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Docsync server.

Serves one document to websocket clients at /sync.
Status, state, connections and metrics are served on the same port.

Usage:
    docsyncd serve [--port=<port>] [--state=<state>]
        [--budget=<budget_ms>]
        [--no_reconcile]
        [--v=<v>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    -p --port=<port>         Listen port [default: 8080].
    --state=<state>          JSON object file to seed the document.
    --budget=<budget_ms>     Reconcile budget split across connections [default: 100].
    --no_reconcile           Sync only when messages arrive.
    --v=<v>                  Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	budgetMillis, _ := opts.Int("--budget")
	noReconcile, _ := opts.Bool("--no_reconcile")

	flag.Set("logtostderr", "true")
	if v, err := opts.String("--v"); err == nil {
		flag.Set("v", v)
	}
	defer glog.Flush()

	doc := patch.Doc{}
	if statePath, err := opts.String("--state"); err == nil && statePath != "" {
		doc, err = readState(statePath)
		if err != nil {
			panic(err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	settings := docsync.DefaultServerSettings()
	settings.Reconcile = !noReconcile
	if 0 < budgetMillis {
		settings.Scheduler.Budget = time.Duration(budgetMillis) * time.Millisecond
	}

	source := docsync.NewMemory(doc)
	server := docsync.NewServer(ctx, source, settings)
	defer server.Close()

	fmt.Printf("document_id: %s\n", source.Id())
	fmt.Printf(
		"Serve %s on *:%d\n",
		RequireVersion(),
		port,
	)

	httpApi, err := api.StartApi(
		api.ApiOptions{
			Addr:    fmt.Sprintf(":%d", port),
			Server:  server,
			Version: RequireVersion(),
			Host:    RequireHost(),
		},
		func(err error) {
			fmt.Printf("api error: %s\n", err)
			cancel()
		},
	)
	if err != nil {
		panic(err)
	}

	select {
	case <-ctx.Done():
	case <-server.Done():
	}

	stop := func() {
		if err := httpApi.StopApi(); err != nil {
			fmt.Printf("%s\n", err)
		}
		server.Close()
	}
	docsync.Trace("docsyncd", "stop", stop)
}

func readState(path string) (patch.Doc, error) {
	stateBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc patch.Doc
	if err := json.Unmarshal(stateBytes, &doc); err != nil {
		return nil, fmt.Errorf("state %s: %w", path, err)
	}
	if doc == nil {
		doc = patch.Doc{}
	}
	return doc, nil
}

func Host() (string, error) {
	host := os.Getenv("DOCSYNC_HOST")
	if host != "" {
		return host, nil
	}
	host, err := os.Hostname()
	if err == nil {
		return host, nil
	}
	return "", errors.New("DOCSYNC_HOST not set")
}

func RequireHost() string {
	host, err := Host()
	if err != nil {
		panic(err)
	}
	return host
}

func RequireVersion() string {
	if version := os.Getenv("DOCSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
