// Package app hosts the council deliberation service: HTTP/WebSocket
// surface, dispatch runtime, storage, and health reporting.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datacendia/council/internal/council/dispatch"
	"github.com/datacendia/council/internal/council/persist"
	"github.com/datacendia/council/internal/council/registry"
	"github.com/datacendia/council/internal/council/session"
	"github.com/datacendia/council/internal/orchestrator/wsclient"
	platformcmd "github.com/datacendia/council/internal/platform/cmd"
	platformgrpc "github.com/datacendia/council/internal/platform/grpc"
	"github.com/datacendia/council/internal/platform/timeouts"
	"github.com/datacendia/council/internal/storage/sqlite"
)

const defaultDBPath = "data/council.db"

// Config defines the inputs for the council service process.
type Config struct {
	HTTPAddr        string
	HealthPort      int
	OrchestratorURL string
	DBPath          string

	RegistryCapacity int
	AgentDeadline    time.Duration
	// RestartPolicy is "reset" or "ignore"; see session.RestartPolicy.
	RestartPolicy string
	// RebuttalPairing is "positional" or "by_target"; see session.RebuttalPairing.
	RebuttalPairing string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the council HTTP/WebSocket process and its dispatch runtime.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	dispatcher      *dispatch.Dispatcher
	store           *sqlite.Store
	trigger         *persist.Trigger
	healthServer    *platformgrpc.HealthServer
}

// NewServer builds a configured council server: sqlite store, persistence
// trigger, orchestrator client, and dispatcher behind the HTTP routes.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	orchestratorURL := strings.TrimSpace(config.OrchestratorURL)
	if orchestratorURL == "" {
		return nil, errors.New("orchestrator url is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if strings.TrimSpace(config.DBPath) == "" {
		config.DBPath = defaultDBPath
	}
	if config.RegistryCapacity <= 0 {
		config.RegistryCapacity = registry.DefaultCapacity
	}

	restartPolicy, err := parseRestartPolicy(config.RestartPolicy)
	if err != nil {
		return nil, err
	}
	rebuttalPairing, err := parseRebuttalPairing(config.RebuttalPairing)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(config.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create council storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open council sqlite store: %w", err)
	}

	client, err := wsclient.New(orchestratorURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init orchestrator client: %w", err)
	}

	trigger := &persist.Trigger{Records: store, Memory: store, Ledger: store}
	dispatcher, err := dispatch.New(dispatch.Config{
		Reducer: session.Reducer{
			RestartPolicy:   restartPolicy,
			RebuttalPairing: rebuttalPairing,
		},
		Registry:      registry.New(config.RegistryCapacity),
		Queue:         client,
		Source:        client,
		Trigger:       trigger,
		AgentDeadline: config.AgentDeadline,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}

	var healthServer *platformgrpc.HealthServer
	if config.HealthPort > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.HealthPort))
		if err != nil {
			dispatcher.Close()
			_ = store.Close()
			return nil, fmt.Errorf("listen health port: %w", err)
		}
		healthServer, err = platformgrpc.ServeHealth(listener, platformcmd.ServiceCouncil)
		if err != nil {
			_ = listener.Close()
			dispatcher.Close()
			_ = store.Close()
			return nil, fmt.Errorf("serve health endpoint: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(dispatcher, store),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		dispatcher:      dispatcher,
		store:           store,
		trigger:         trigger,
		healthServer:    healthServer,
	}, nil
}

// Run creates and serves a council server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init council server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve council: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("council server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("council server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources: in-flight streams, pending persistence
// calls, the health endpoint, and the sqlite store.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.healthServer != nil {
		s.healthServer.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close council sqlite store: %v", err)
		}
	}
}

func parseRestartPolicy(value string) (session.RestartPolicy, error) {
	switch strings.TrimSpace(value) {
	case "", "reset":
		return session.RestartReset, nil
	case "ignore":
		return session.RestartIgnore, nil
	default:
		return 0, fmt.Errorf("unknown restart policy %q (want reset or ignore)", value)
	}
}

func parseRebuttalPairing(value string) (session.RebuttalPairing, error) {
	switch strings.TrimSpace(value) {
	case "", "positional":
		return session.PairLastAppended, nil
	case "by_target":
		return session.PairByTarget, nil
	default:
		return 0, fmt.Errorf("unknown rebuttal pairing %q (want positional or by_target)", value)
	}
}
