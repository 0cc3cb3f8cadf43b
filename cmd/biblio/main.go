// Command biblio serves the multi-tenant documentation API, or runs a
// single sync cycle with -sync.
// Usage: biblio -config biblio.yaml [-listen :8080] [-offline]
//        biblio -config biblio.yaml -sync <codename> [-force-crawler] [-force-full-sync]
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raysh454/biblio/internal/cli"
	"github.com/raysh454/biblio/internal/config"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/server"
	"github.com/raysh454/biblio/internal/tenant"
)

func main() {
	args, err := cli.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "biblio: %v\n", err)
		os.Exit(2)
	}

	file, err := config.Load(args.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "biblio: %v\n", err)
		os.Exit(1)
	}
	if args.ListenAddr != "" {
		file.Infra.ListenAddr = args.ListenAddr
	}
	if args.Offline {
		file.Infra.OfflineMode = true
	}

	logger := logging.NewStdoutLogger("biblio")
	registry, err := tenant.NewRegistry(file, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "biblio: %v\n", err)
		os.Exit(1)
	}

	if args.SyncTenant != "" {
		os.Exit(runOneShotSync(registry, args))
	}

	serve(file, registry, logger)
}

// runOneShotSync initializes one tenant, runs a cycle and reports the
// outcome on the exit status.
func runOneShotSync(registry *tenant.Registry, args *cli.Args) int {
	app, ok := registry.Get(args.SyncTenant)
	if !ok {
		fmt.Fprintf(os.Stderr, "biblio: unknown tenant %q\n", args.SyncTenant)
		return 1
	}

	ctx := context.Background()
	if err := app.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "biblio: %v\n", err)
		return 1
	}
	defer app.Shutdown()

	result := app.TriggerSync(ctx, args.ForceCrawler, args.ForceFullSync)
	fmt.Println(result.Message)
	if !result.Success {
		return 1
	}
	return 0
}

func serve(file *config.File, registry *tenant.Registry, logger logging.Logger) {
	ctx := context.Background()
	if err := registry.InitializeAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "biblio: %v\n", err)
		os.Exit(1)
	}

	api := server.NewServer(server.Config{
		ListenAddr: file.Infra.ListenAddr,
		Logger:     logger,
	}, registry)
	httpSrv := api.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", logging.Field{Key: "addr", Value: file.Infra.ListenAddr})
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", logging.Field{Key: "signal", Value: sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", logging.Field{Key: "error", Value: err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	registry.ShutdownAll()
}
