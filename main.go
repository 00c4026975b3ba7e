package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vrsandeep/streamdl/internal/api"
	"github.com/vrsandeep/streamdl/internal/core"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize the core application components
	app, err := core.New()
	if err != nil {
		log.Fatalf("Fatal error during application setup: %v", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Restores the persisted queue, then starts the scheduler, the event
	// relay, the watcher and the periodic jobs.
	if err := app.Start(ctx); err != nil {
		log.Fatalf("Fatal error while starting downloads: %v", err)
	}

	// Setup the API server
	server := api.NewServer(app)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.Config().Port),
		Handler: server.Router(),
	}
	// --- Graceful Shutdown ---
	go func() {
		log.Printf("Starting web server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting.")
}
