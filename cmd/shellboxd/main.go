// Command shellboxd is the broker's entrypoint: it loads configuration,
// initialises logging and the security posture, selects a container
// backend, and serves the websocket listener until an interrupt signal.
// Grounded on the teacher's cmd/wtd/main.go (cobra root command, signal-
// driven graceful shutdown of an *http.Server).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/shellbox/broker/internal/broker"
	"github.com/shellbox/broker/internal/config"
	"github.com/shellbox/broker/internal/container"
	"github.com/shellbox/broker/internal/credentials"
	"github.com/shellbox/broker/internal/logger"
	"github.com/shellbox/broker/internal/ratelimit"
	"github.com/shellbox/broker/internal/security"
	"github.com/shellbox/broker/internal/session"
)

func main() {
	root := &cobra.Command{
		Use:   "shellboxd",
		Short: "terminal session broker",
		RunE:  run,
	}

	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "log file path, written in addition to stdout (empty = stdout only)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	if err := logger.Init(logLevel, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	policy := security.NewPolicy(string(cfg.EnvironmentProfile), security.Options{
		NetworkName:             cfg.ContainerNetworkName,
		SeccompProfilePath:      cfg.SeccompProfilePath,
		AppArmorProfileName:     cfg.AppArmorProfileName,
		RequireHardenedSecurity: cfg.RequireHardenedSecurity,
		EgressAllowedDomains:    cfg.EgressAllowedDomains,
	})
	posture, err := policy.Init(ctx)
	if err != nil {
		return fmt.Errorf("security initialisation failed: %w", err)
	}
	defer posture.Close()
	if posture.Status.Degraded {
		logger.Warn("shellboxd starting with degraded security posture", "profile", cfg.EnvironmentProfile)
	}

	supervisor, err := selectSupervisor(ctx, cfg)
	if err != nil {
		return fmt.Errorf("select container backend: %w", err)
	}

	if cfg.RequirePasskey {
		if err := credentials.InitWebAuthn(cfg.RPID, cfg.RPDisplayName, cfg.RPOrigin); err != nil {
			return fmt.Errorf("configure passkey relying party: %w", err)
		}
		if cfg.PasskeyCredentialsPath != "" {
			if err := credentials.LoadCredentialsFile(cfg.PasskeyCredentialsPath); err != nil {
				return fmt.Errorf("load passkey credentials: %w", err)
			}
		}
		logger.Info("passkey verification enabled", "rpId", cfg.RPID)
	}

	registry := session.NewRegistry(session.Limits{
		MaxSessions:              cfg.MaxSessions,
		MaxAnonymousSessions:     cfg.MaxAnonymousSessions,
		MaxAuthenticatedSessions: cfg.MaxAuthenticatedSessions,
	})
	ipLimiter := ratelimit.NewIPLimiter(cfg.ConnectionThrottleWindow, cfg.MaxConnectionsPerIPPerMin)
	resumeLimiter := ratelimit.NewResumeLimiter(time.Minute, cfg.MaxResumeAttemptsPerMinute)
	defer ipLimiter.Close()
	defer resumeLimiter.Close()

	var bandwidth *ratelimit.BandwidthShaper
	if cfg.OutputBandwidthBytesPerSec > 0 {
		bandwidth = ratelimit.NewBandwidthShaper(cfg.OutputBandwidthBytesPerSec, cfg.OutputBandwidthBurstBytes)
	}

	srv := broker.NewServer(cfg, registry, ipLimiter, resumeLimiter, supervisor, bandwidth, posture)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shellboxd listening", "addr", cfg.ListenAddress, "profile", cfg.EnvironmentProfile)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shellboxd shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// selectSupervisor prefers the Docker-backed supervisor. Outside
// production it falls back to the namespace-isolated local supervisor
// when Docker is unreachable, with a structured warning, per spec.md
// §4.C6's "in development/ci profile, falls back ... with a structured
// warning" (stated there for the network; this repo extends the same
// degrade posture to backend selection).
func selectSupervisor(ctx context.Context, cfg config.Config) (container.Supervisor, error) {
	dockerSupervisor, err := container.NewDockerSupervisor(ctx)
	if err == nil {
		return dockerSupervisor, nil
	}
	if cfg.EnvironmentProfile == config.Production {
		return nil, fmt.Errorf("docker unavailable in production profile: %w", err)
	}
	logger.Warn("docker unavailable, falling back to local supervisor", "error", err, "profile", cfg.EnvironmentProfile)
	return container.NewLocalSupervisor(""), nil
}
