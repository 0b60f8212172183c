// Command syncd-agent is the remote half of the protocol transport.Remote
// dials over ssh (spec §6.1): it reads path argument, serves the framed
// request/response protocol against a transport.Local rooted there, using
// stdin/stdout as the byte stream. The process lifecycle itself (how it
// gets started on the remote host) is out of scope per spec.md; this is
// only the thin glue spec's package layout calls for.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/c4milo/syncd/synclog"
	"github.com/c4milo/syncd/transport"
	"github.com/c4milo/syncd/transport/agent"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: syncd-agent <root>")
		os.Exit(2)
	}
	root := os.Args[1]

	logger, err := synclog.NewProduction()
	if err != nil {
		logger = synclog.Noop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	local := transport.NewLocal(root)
	if err := local.CleanStaleTemps(); err != nil {
		logger.Warn("agent: stale temp cleanup failed", "err", err.Error())
	}

	srv := agent.NewServer(local)
	srv.Logger = logger

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("agent: serve failed", "err", err.Error())
		os.Exit(1)
	}
}
