// Command sqliteworker is the child process spawned by the transport
// bootstrap. It owns exactly one SQLite handle and speaks the
// line-delimited JSON-RPC dialect defined by wireproto/internal/worker
// over its standard streams, or over an outbound TCP connection when
// launched with a host:port argument (socket mode).
package main

import (
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/basinhollow/sqliteasync/internal/worker"
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var in io.Reader = os.Stdin
	var out io.Writer = os.Stdout

	if addr := flag.Arg(0); addr != "" {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			logger.Error("sqliteworker: failed to connect back to parent", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer conn.Close()

		if token := flag.Arg(1); token != "" {
			if _, err := io.WriteString(conn, token+"\n"); err != nil {
				logger.Error("sqliteworker: failed to write handshake token", "error", err)
				os.Exit(1)
			}
		}

		// conn is a single full-duplex stream serving as both in and out:
		// unlike a half-duplex pipe, a TCP connection lets the worker still
		// write a terminal error frame after a read failure without any
		// extra buffering step.
		in, out = conn, conn
	}

	srv := worker.NewServer(logger)
	if err := srv.Serve(in, out); err != nil {
		logger.Error("sqliteworker: serve failed", "error", err)
		os.Exit(1)
	}
}
