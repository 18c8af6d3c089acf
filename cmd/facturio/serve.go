/*
serve.go - HTTP API server command

PURPOSE:
  Runs the billing API with graceful shutdown. On SIGINT/SIGTERM the
  server stops accepting connections, drains in-flight requests for up
  to 30 seconds, then closes the database.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/facturio/billing-engine/api"
	"github.com/facturio/billing-engine/audit"
	"github.com/facturio/billing-engine/compliance"
	"github.com/facturio/billing-engine/creditnote"
	"github.com/facturio/billing-engine/fec"
	"github.com/facturio/billing-engine/invoice"
	"github.com/facturio/billing-engine/logger"
)

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	defaultPort := 8080
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
		defaultPort = p
	}
	cmd.Flags().IntVar(&port, "port", defaultPort, "HTTP server port")
	return cmd
}

func runServe(port int) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	log := logger.WithComponent(rootLog, "api")
	rec := audit.NewRecorder()
	handler := api.NewHandler(
		invoice.NewService(store, rec, logger.WithComponent(rootLog, "invoice")),
		creditnote.NewWorkflow(store, rec, logger.WithComponent(rootLog, "creditnote")),
		compliance.NewValidator(store),
		fec.NewBuilder(store, fec.DefaultAccountPlan()),
		log,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", port).Str("db", dbPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
