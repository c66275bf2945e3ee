/******************************************************************************
 *
 *  Description :
 *
 *    Command-line client for a topicflow server. Watches topics, writes
 *    keys and dumps presence for quick inspection during development.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/topicflow/topicflow-go/topicflow"
)

const flowctlVersion = "0.1.0"

var (
	Out *log.Logger
	Err *log.Logger
)

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime)
}

func main() {
	usage := `Topicflow control.

Usage:
    flowctl watch --url=<url> --token=<token> [--team=<team>] [--client=<client>] <topic>
    flowctl set --url=<url> --token=<token> [--team=<team>] [--client=<client>] <topic> <key> <value>
    flowctl presence --url=<url> --token=<token> [--team=<team>] [--client=<client>] <topic>
    flowctl -h | --help
    flowctl --version

Options:
    --url=<url>        Server base URL, e.g. wss://example.com
    --token=<token>    Login token.
    --team=<team>      Optional team id.
    --client=<client>  Client id [default: flowctl].
    -h --help          Show this screen.
    --version          Show version.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], flowctlVersion)
	if err != nil {
		Err.Fatal(err)
	}

	switch {
	case mustBool(opts, "watch"):
		watch(opts)
	case mustBool(opts, "set"):
		setKey(opts)
	case mustBool(opts, "presence"):
		presence(opts)
	}
}

func mustBool(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func mustString(opts docopt.Opts, name string) string {
	v, _ := opts.String(name)
	return v
}

func connect(opts docopt.Opts) *topicflow.Session {
	cfg := topicflow.DefaultSettings(mustString(opts, "--url"), mustString(opts, "--client"))
	sess := topicflow.NewSession(cfg)

	sess.OnStatusChange(func(sc topicflow.StatusChange) {
		Err.Println("status:", sc.Old, "->", sc.New)
	})
	sess.OnLoggedOut(func(code int) {
		Err.Println("logged out by server, code", code)
		os.Exit(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sess.Login(ctx, mustString(opts, "--token"), mustString(opts, "--team")); err != nil {
		Err.Fatal("login: ", err)
	}
	return sess
}

func watch(opts docopt.Opts) {
	sess := connect(opts)
	defer sess.Logout(topicflow.CloseClientInitiated)

	topic := sess.Subscribe(mustString(opts, "<topic>"))
	topic.OnJoin(func() {
		Out.Println("joined", topic.ID(), "epoch", topic.Epoch())
	})
	topic.OnGone(func() {
		Out.Println("topic history invalidated, resynced")
	})
	topic.OnChangeKey(func(kc topicflow.KeyChange) {
		Out.Println("key", kc.Key, "=", render(kc.Value))
	})
	topic.OnChangePresenceKey(func(pc topicflow.PresenceChange) {
		Out.Println("presence", pc.UserID+"/"+pc.ClientID, pc.Subkey, "=", render(pc.Value))
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func setKey(opts docopt.Opts) {
	sess := connect(opts)
	defer sess.Logout(topicflow.CloseClientInitiated)

	topic := sess.Subscribe(mustString(opts, "<topic>"))

	// The value is JSON; bare words fall back to strings.
	var value any
	raw := mustString(opts, "<value>")
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := topic.SetKey(ctx, mustString(opts, "<key>"), value, nil); err != nil {
		Err.Fatal("set: ", err)
	}
	Out.Println("ok")
}

func presence(opts docopt.Opts) {
	sess := connect(opts)
	defer sess.Logout(topicflow.CloseClientInitiated)

	topic := sess.Subscribe(mustString(opts, "<topic>"))
	joined := make(chan struct{})
	topic.OnceJoin(func() { close(joined) })

	select {
	case <-joined:
	case <-time.After(30 * time.Second):
		Err.Fatal("timed out waiting for topic join")
	}
	Out.Println(render(topic.MapPresenceData()))
}

func render(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return "<unrenderable>"
	}
	return string(out)
}
