package natstransport

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"log/slog"
)

// EmbeddedConfig holds configuration for the embedded NATS server
type EmbeddedConfig struct {
	// DataDir is the directory for JetStream data persistence
	DataDir string

	// Host is the bind address (default: 127.0.0.1)
	Host string

	// Port is the server port; -1 picks a random free port
	Port int
}

// DefaultEmbeddedConfig returns default embedded server configuration
func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		DataDir: "./data/nats",
		Host:    "127.0.0.1",
		Port:    4222,
	}
}

// EmbeddedServer wraps an embedded NATS server with JetStream enabled.
// Suited to single-binary deployments and adapter tests; production
// deployments point Client at an external cluster instead.
type EmbeddedServer struct {
	server *server.Server
}

// StartEmbeddedServer creates and starts an embedded NATS server
func StartEmbeddedServer(cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	slog.Info("Embedded NATS server started", "url", ns.ClientURL(), "dataDir", cfg.DataDir)

	return &EmbeddedServer{server: ns}, nil
}

// URL returns the client connection URL
func (e *EmbeddedServer) URL() string {
	return e.server.ClientURL()
}

// Shutdown stops the server and waits for it to exit
func (e *EmbeddedServer) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
	slog.Info("Embedded NATS server stopped")
}
