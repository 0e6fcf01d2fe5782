// Command kvmstreamd is the headless KVM video-streaming server: it
// captures one V4L2 device, fans the encoded output out to MJPEG-over-HTTP
// and WebRTC clients, and optionally registers with a RustDesk-compatible
// rendezvous server for NAT traversal.
//
// Grounded on the teacher's main.go CLI shape (stdlib flag, a single
// config path flag, signal.NotifyContext for graceful shutdown) with the
// Wails desktop runtime removed — this binary serves HTTP instead of
// opening a native window.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/onekvm-go/kvmstreamd/internal/app"
	"github.com/onekvm-go/kvmstreamd/internal/config"

	// Register encoder backends as a side effect of import.
	_ "github.com/onekvm-go/kvmstreamd/internal/encoder/hwstub"
	_ "github.com/onekvm-go/kvmstreamd/internal/encoder/jpeg"
	_ "github.com/onekvm-go/kvmstreamd/internal/encoder/openh264"
	_ "github.com/onekvm-go/kvmstreamd/internal/encoder/vpx"
)

func main() {
	configPath := flag.String("config", "/etc/kvmstreamd/config.json", "path to the JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("kvmstreamd: %v", err)
	}
}

func run(configPath string) error {
	cfg, created, err := config.Ensure(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Printf("kvmstreamd: wrote default config to %s", configPath)
	}

	svc, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reload := make(chan struct{})
	if err := config.Watch(configPath, ctx.Done(), func(config.Config) {
		select {
		case reload <- struct{}{}:
		default:
		}
	}); err != nil {
		log.Printf("kvmstreamd: config hot-reload disabled: %v", err)
	}
	go func() {
		for range reload {
			log.Printf("kvmstreamd: config changed on disk; restart to apply device/resolution changes")
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	defer svc.Stop()

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           svc.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("kvmstreamd: listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("kvmstreamd: http shutdown: %v", err)
	}

	return nil
}
