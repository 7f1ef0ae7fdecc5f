package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kernelmux/kernelmux/internal/channel"
	"github.com/kernelmux/kernelmux/internal/client"
	"github.com/kernelmux/kernelmux/internal/config"
	"github.com/kernelmux/kernelmux/internal/gateway"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("No config at %s, using defaults", *configPath)
		cfg = config.Default()
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	dialer, err := channel.DialerFor(cfg.Kernels.Transport)
	if err != nil {
		log.Fatalf("Failed to set up transport: %v", err)
	}

	registry := client.NewRegistry()
	server := gateway.NewServer(cfg, registry, dialer)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		shutdownAll(registry, cfg)
		os.Exit(0)
	}()

	if err := gateway.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// shutdownAll asks every kernel to exit in parallel, bounded by the
// configured shutdown timeout each.
func shutdownAll(registry *client.Registry, cfg *config.Config) {
	var wg sync.WaitGroup
	for _, c := range registry.All() {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Shutdown(false, cfg.Timeouts.Shutdown); err != nil {
				log.Printf("Shutdown of kernel %s: %v", c.Kernel().ID(), err)
			}
		}()
	}
	wg.Wait()
}
