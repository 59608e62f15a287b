// Package main provides the entry point for the Fabric Agent Gateway server.
// The gateway fronts a Microsoft Fabric Data Agent: it authenticates callers,
// relays their questions through the agent's thread protocol and returns the
// newly generated reply together with optional SQL/data-preview details.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ingage-labs/fabric-agent-gateway/internal/api"
	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
	"github.com/ingage-labs/fabric-agent-gateway/internal/buildinfo"
	"github.com/ingage-labs/fabric-agent-gateway/internal/config"
	"github.com/ingage-labs/fabric-agent-gateway/internal/fabric"
	"github.com/ingage-labs/fabric-agent-gateway/internal/logging"
	"github.com/ingage-labs/fabric-agent-gateway/internal/session"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	fmt.Printf("Fabric Agent Gateway Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Configure File Path")
	flag.Parse()

	// .env is optional; injected app settings win either way.
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded environment from .env")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, "logs"); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	log.Infof("tenant: %s", cfg.MaskedTenantID())
	log.Infof("allowed origins: %v", cfg.AllowedOrigins)

	provider := auth.NewProvider(auth.Options{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})
	log.Infof("authentication mode: %s (deferred until first request)", provider.Mode())

	client := fabric.NewClient(cfg.DataAgentURL, provider, nil)

	startupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store := session.SelectStore(startupCtx, cfg)
	cancel()
	defer func() {
		_ = store.Close()
	}()

	server := api.NewServer(cfg, store, client)
	if err = server.Run(); err != nil {
		log.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}
