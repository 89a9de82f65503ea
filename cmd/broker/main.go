// Package main runs the cth message broker.
//
// The broker routes typed messages between authenticated endpoints connected
// over persistent websocket sessions. Endpoints are identified by
// cth://<common-name>/<type> URIs derived from the TLS client certificate
// and the type declared at login.
//
// Configuration Loading Strategy:
// 1. Command line argument: uses the specified config file path
// 2. Default file: attempts to load config/broker.yaml
// 3. Built-in defaults: in-memory spool, plaintext listener
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalhaus/cth-broker/internal/broker"
	"github.com/signalhaus/cth-broker/internal/config"
	"github.com/signalhaus/cth-broker/internal/inventory"
	"github.com/signalhaus/cth-broker/internal/registry"
	"github.com/signalhaus/cth-broker/internal/spool"
	"github.com/signalhaus/cth-broker/internal/transport"
)

func main() {
	var cfg *config.Config
	var configSource string

	if len(os.Args) >= 2 {
		configFile := os.Args[1]
		loadedCfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("Failed to load config from %s: %v", configFile, err)
		}
		cfg = loadedCfg
		configSource = fmt.Sprintf("config file: %s", configFile)
	} else if _, err := os.Stat("config/broker.yaml"); err == nil {
		loadedCfg, err := config.Load("config/broker.yaml")
		if err != nil {
			log.Fatalf("Failed to load config/broker.yaml: %v", err)
		}
		cfg = loadedCfg
		configSource = "config/broker.yaml (default)"
	} else {
		cfg = config.Default()
		configSource = "built-in defaults"
	}

	log.Printf("Starting broker using %s", configSource)

	// Queue backend: durable spool when a directory is configured, otherwise
	// in-memory queues. A spool fault is fatal to broker start.
	var queue spool.Queue
	if cfg.BrokerSpool != "" {
		badgerSpool, err := spool.NewBadgerSpool(cfg.BrokerSpool, cfg.Debug)
		if err != nil {
			log.Fatalf("Failed to open broker spool: %v", err)
		}
		queue = badgerSpool
		log.Printf("Broker spool at %s", cfg.BrokerSpool)
	} else {
		queue = spool.NewMemorySpool()
		log.Printf("No broker-spool configured, queued messages will not survive restart")
	}
	defer queue.Close()

	inv := inventory.New()
	reg := registry.New(inv, cfg.Debug)

	b := broker.New(reg, inv, queue, broker.Options{
		AcceptConsumers:   cfg.AcceptConsumers,
		DeliveryConsumers: cfg.DeliveryConsumers,
		Debug:             cfg.Debug,
	})
	if err := b.Start(); err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}
	defer b.Stop()

	mux := http.NewServeMux()
	mux.Handle(cfg.WebSocketPath, transport.NewHandler(b, cfg.Debug))

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	if cfg.SSLCert != "" {
		tlsConfig, err := serverTLSConfig(cfg)
		if err != nil {
			log.Fatalf("Failed to build TLS configuration: %v", err)
		}
		server.TLSConfig = tlsConfig
		go func() {
			log.Printf("Broker listening on %s%s (TLS client auth)", cfg.Listen, cfg.WebSocketPath)
			errCh <- server.ListenAndServeTLS(cfg.SSLCert, cfg.SSLKey)
		}()
	} else {
		go func() {
			log.Printf("Broker listening on %s%s (plaintext)", cfg.Listen, cfg.WebSocketPath)
			errCh <- server.ListenAndServe()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Web server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Web server shutdown error: %v", err)
	}
	log.Printf("Broker stopped")
}

// serverTLSConfig requires and verifies client certificates against the
// configured CA. The peer certificate common name becomes the session
// identity.
func serverTLSConfig(cfg *config.Config) (*tls.Config, error) {
	caCert, err := os.ReadFile(cfg.SSLCACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates parsed from %s", cfg.SSLCACert)
	}

	return &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  caPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
