// Command reconcile runs a single reconciliation sweep and exits.
//
// Intended for cron or operator use; the server's built-in timer covers
// steady-state operation.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pochipay/pochi/internal/config"
	"github.com/pochipay/pochi/internal/logging"
	"github.com/pochipay/pochi/internal/server"
)

func main() {
	logger := logging.New("info", "json")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to wire services", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := srv.Reconciler().Sweep(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		os.Exit(1)
	}

	out, _ := json.Marshal(res)
	os.Stdout.Write(append(out, '\n'))

	if err := srv.Shutdown(); err != nil {
		os.Exit(1)
	}
	if res.Failures > 0 {
		os.Exit(2)
	}
}
