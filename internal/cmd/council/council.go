// Package council parses council command flags and composes the service
// entrypoint.
package council

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/datacendia/council/internal/platform/cmd"
	server "github.com/datacendia/council/internal/services/council/app"
)

// Config holds council command configuration.
type Config struct {
	HTTPAddr        string `env:"COUNCIL_HTTP_ADDR"        envDefault:":8087"`
	HealthPort      int    `env:"COUNCIL_HEALTH_PORT"      envDefault:"8088"`
	OrchestratorURL string `env:"COUNCIL_ORCHESTRATOR_URL" envDefault:"http://localhost:8090"`
	DBPath          string `env:"COUNCIL_DB_PATH"          envDefault:"data/council.db"`

	RegistryCapacity int           `env:"COUNCIL_REGISTRY_CAPACITY" envDefault:"20"`
	AgentDeadline    time.Duration `env:"COUNCIL_AGENT_DEADLINE"    envDefault:"2m"`
	RestartPolicy    string        `env:"COUNCIL_RESTART_POLICY"    envDefault:"reset"`
	RebuttalPairing  string        `env:"COUNCIL_REBUTTAL_PAIRING"  envDefault:"positional"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "council HTTP listen address")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "gRPC health listen port (0 disables)")
	fs.StringVar(&cfg.OrchestratorURL, "orchestrator-url", cfg.OrchestratorURL, "agent orchestration backend base URL")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	fs.IntVar(&cfg.RegistryCapacity, "registry-capacity", cfg.RegistryCapacity, "retained deliberation session count")
	fs.DurationVar(&cfg.AgentDeadline, "agent-deadline", cfg.AgentDeadline, "per-agent streaming deadline (0 disables)")
	fs.StringVar(&cfg.RestartPolicy, "restart-policy", cfg.RestartPolicy, "duplicate agent start handling: reset or ignore")
	fs.StringVar(&cfg.RebuttalPairing, "rebuttal-pairing", cfg.RebuttalPairing, "rebuttal-to-challenge pairing: positional or by_target")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the council app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCouncil, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:         cfg.HTTPAddr,
			HealthPort:       cfg.HealthPort,
			OrchestratorURL:  cfg.OrchestratorURL,
			DBPath:           cfg.DBPath,
			RegistryCapacity: cfg.RegistryCapacity,
			AgentDeadline:    cfg.AgentDeadline,
			RestartPolicy:    cfg.RestartPolicy,
			RebuttalPairing:  cfg.RebuttalPairing,
		}); err != nil {
			return fmt.Errorf("serve council: %w", err)
		}
		return nil
	})
}
