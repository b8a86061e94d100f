// Command sandboxd runs the sandbox orchestration engine: the REST account
// and sandbox-management surface, the MCP tool-calling session multiplexer,
// and the background reaper.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentserver/sandboxd/internal/config"
	"github.com/agentserver/sandboxd/internal/coordinator"
	"github.com/agentserver/sandboxd/internal/db"
	"github.com/agentserver/sandboxd/internal/identity"
	"github.com/agentserver/sandboxd/internal/mcpsession"
	"github.com/agentserver/sandboxd/internal/publish"
	"github.com/agentserver/sandboxd/internal/reaper"
	"github.com/agentserver/sandboxd/internal/registry"
	"github.com/agentserver/sandboxd/internal/rtdriver/docker"
	"github.com/agentserver/sandboxd/internal/server"
	"github.com/agentserver/sandboxd/internal/toolsurface"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Multi-tenant code-execution broker",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandboxd HTTP server",
	Run:   runServe,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer database.Close()
	log.Info().Msg("connected to postgres")

	driver, err := docker.New(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("docker runtime unavailable")
	}
	defer driver.Close()

	idStore := identity.New(database)
	reg := registry.New(database, driver)
	pub, err := publish.New(cfg.ResultsRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize file publisher")
	}

	coord := coordinator.New(coordinator.Config{
		BaseImage:   cfg.BaseImage,
		ExecTimeout: cfg.ExecTimeout,
	}, reg, driver, pub)

	reap := reaper.New(reg, driver, pub, coord, cfg.InactivityThreshold, cfg.FileTTL, cfg.ReaperInterval)
	reap.Start()
	defer reap.Stop()

	var oidcMgr *identity.OIDCManager
	ensureOIDCMgr := func() *identity.OIDCManager {
		if oidcMgr == nil {
			if cfg.OIDCBaseURL == "" {
				log.Fatal().Msg("OIDC_BASE_URL is required when an OIDC provider is configured")
			}
			oidcMgr = identity.NewOIDCManager(cfg.OIDCBaseURL, idStore)
		}
		return oidcMgr
	}

	if cfg.OIDCGitHubClientID != "" {
		mgr := ensureOIDCMgr()
		redirect := cfg.OIDCBaseURL + "/api/auth/oidc/github/callback"
		mgr.RegisterProvider(identity.NewGitHubProvider(cfg.OIDCGitHubClientID, cfg.OIDCGitHubClientSecret, redirect))
		log.Info().Msg("oidc: github provider registered")
	}

	if cfg.OIDCGenericIssuerURL != "" {
		mgr := ensureOIDCMgr()
		redirect := cfg.OIDCBaseURL + "/api/auth/oidc/" + cfg.OIDCGenericName + "/callback"
		genericProvider, err := identity.NewGenericOIDCProvider(
			context.Background(), cfg.OIDCGenericName, cfg.OIDCGenericIssuerURL,
			cfg.OIDCGenericClientID, cfg.OIDCGenericClientSecret, redirect,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("oidc: generic provider discovery failed")
		}
		mgr.RegisterProvider(genericProvider)
		log.Info().Str("issuer", cfg.OIDCGenericIssuerURL).Msg("oidc: generic provider registered")
	}

	surface := toolsurface.New(coord)
	mux := mcpsession.New(idStore, surface)

	srv := server.New(idStore, oidcMgr, coord, pub)
	router := srv.Router()

	httpMux := http.NewServeMux()
	httpMux.Handle("/", router)
	httpMux.HandleFunc("/sse", mux.ServeSSE)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: httpMux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		httpServer.Shutdown(context.Background())
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("sandboxd listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
}
