package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/patch"
)

const DocsyncCtlVersion = "0.0.1"

const DefaultUrl = "ws://localhost:8080/sync"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Docsync control.

The default url is:
    url: %s

Usage:
    docsyncctl state [--url=<url>] [--timeout=<timeout>]
    docsyncctl watch [--url=<url>] [--timeout=<timeout>]
    docsyncctl set [--url=<url>] [--timeout=<timeout>] <key> <value>
    docsyncctl delete [--url=<url>] [--timeout=<timeout>] <key>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --url=<url>              Server websocket url.
    --timeout=<timeout>      Seconds to wait for the server [default: 10].

A value is parsed as JSON when it is valid JSON, otherwise it is a string.`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")

	if state_, _ := opts.Bool("state"); state_ {
		state(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteKey(opts)
	}
}

func connect(ctx context.Context, opts docopt.Opts) *docsync.Client {
	url := DefaultUrl
	if urlAny := opts["--url"]; urlAny != nil {
		url = urlAny.(string)
	}
	timeoutSeconds, _ := opts.Int("--timeout")

	client := docsync.NewClientWithDefaults(ctx, url)

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer waitCancel()
	if err := client.WaitForState(waitCtx); err != nil {
		client.Close()
		Err.Printf("could not get state from %s: %s", url, err)
		os.Exit(1)
	}
	return client
}

func flush(ctx context.Context, client *docsync.Client, opts docopt.Opts) {
	timeoutSeconds, _ := opts.Int("--timeout")
	flushCtx, flushCancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer flushCancel()
	if err := client.Flush(flushCtx); err != nil {
		Err.Printf("could not send: %s", err)
		os.Exit(1)
	}
}

func state(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connect(ctx, opts)
	defer client.Close()

	printJson(client.Get())
}

func watch(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	client := connect(ctx, opts)
	defer client.Close()

	changes := make(chan patch.PatchSet, 64)
	callbackId := client.AddChangeCallback(func(changes_ patch.PatchSet) {
		select {
		case changes <- changes_:
		case <-ctx.Done():
		}
	})
	defer client.RemoveChangeCallback(callbackId)

	printJson(client.Get())

	for {
		select {
		case <-ctx.Done():
			return
		case changes_ := <-changes:
			printJson(changes_)
		}
	}
}

func set(opts docopt.Opts) {
	key, _ := opts.String("<key>")
	valueStr, _ := opts.String("<value>")
	value := parseValue(valueStr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connect(ctx, opts)
	defer client.Close()

	var change patch.Change
	if oldValue, ok := client.Get()[key]; ok {
		change = patch.Updated(key, value, oldValue)
	} else {
		change = patch.Added(key, value)
	}
	if err := client.Patch(patch.PatchSet{change}); err != nil {
		Err.Printf("set %s: %s", key, err)
		os.Exit(1)
	}
	flush(ctx, client, opts)

	printJson(patch.PatchSet{change})
}

func deleteKey(opts docopt.Opts) {
	key, _ := opts.String("<key>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connect(ctx, opts)
	defer client.Close()

	oldValue, ok := client.Get()[key]
	if !ok {
		Err.Printf("%s not found", key)
		os.Exit(1)
	}
	change := patch.Removed(key, oldValue)
	if err := client.Patch(patch.PatchSet{change}); err != nil {
		Err.Printf("delete %s: %s", key, err)
		os.Exit(1)
	}
	flush(ctx, client, opts)

	printJson(patch.PatchSet{change})
}

// JSON when it parses, otherwise the raw string
func parseValue(valueStr string) any {
	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err == nil {
		return value
	}
	return valueStr
}

func printJson(v any) {
	var out []byte
	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = json.Marshal(v)
	}
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	Out.Printf("%s\n", out)
}
