package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sshbroker/internal/config"
	"github.com/gluk-w/sshbroker/internal/database"
	"github.com/gluk-w/sshbroker/internal/handlers"
	"github.com/gluk-w/sshbroker/internal/logging"
	"github.com/gluk-w/sshbroker/internal/metrics"
	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshfiles"
	"github.com/gluk-w/sshbroker/internal/sshlink"
	"github.com/gluk-w/sshbroker/internal/sshmanager"
	"github.com/gluk-w/sshbroker/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the SSH tools over MCP stdio",
	Long: `Serves every tool over MCP on stdin/stdout until stdin closes or a
signal arrives. Logs go to stderr. With --http a status API is served too.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Connection file (default $SSHBROKER_CONNECTIONS_FILE)")
	serveCmd.Flags().String("http", "", "Address of the status API, e.g. 127.0.0.1:8022")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warning, error)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	config.Load()
	cfg := &config.Cfg
	if v, _ := cmd.Flags().GetString("config"); v != "" {
		cfg.ConnectionsFile = v
	}
	if v, _ := cmd.Flags().GetString("http"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}

	file, err := loadConnections()
	if err != nil {
		return err
	}
	cfg.ApplyFile(file)

	if err := logging.Init(cfg.LogLevel, cfg.LogPath); err != nil {
		return err
	}
	defer logging.Close()
	logrus.Infof("sshbroker %s starting (%d named connections)", buildVersion, len(file.Connections))

	var recorder sshmanager.Recorder
	if cfg.AuditEnabled {
		db, err := database.Open(cfg.AuditDB())
		if err != nil {
			return err
		}
		defer database.Close(db)
		auditor, err := sshaudit.NewAuditor(db, cfg.AuditRetentionDays)
		if err != nil {
			return err
		}
		recorder = auditor
		handlers.DB = db
		handlers.Auditor = auditor
		logrus.Infof("audit trail at %s (retention %d days)", cfg.AuditDB(), auditor.RetentionDays())
	}

	maxConns := cfg.MaxConnections
	if maxConns < 0 {
		maxConns = 0
	}
	mgr, err := sshmanager.NewManager(sshmanager.Options{
		Link: sshlink.Options{
			ConnectTimeout:     cfg.ConnectTimeout,
			ProbeTimeout:       cfg.ProbeTimeout,
			TransportKeepalive: cfg.TransportKeepalive,
			KnownHostsFile:     config.ExpandHome(cfg.KnownHosts),
		},
		PollInterval:     cfg.PollInterval,
		OutputBufferSize: cfg.OutputBufferSize,
		MaxConnections:   maxConns,
		SSHConfigPath:    config.ExpandHome(cfg.SSHConfigPath),
		AllowedTargets:   cfg.AllowedTargets,
		RateLimit:        sshmanager.DefaultRateLimitConfig(),
		SettleDelay:      sshmanager.DefaultSettleDelay,
		IdleThreshold:    sshmanager.DefaultIdleThreshold,
		Connections:      file,
		Recorder:         recorder,
	})
	if err != nil {
		return err
	}
	defer mgr.Shutdown()
	handlers.Manager = mgr
	metrics.RegisterStateSource(mgr)

	files := sshfiles.New(mgr, recorder)
	defer files.Close()

	mgr.StartHealthCheck(cfg.HealthInterval)
	mgr.StartKeepalive(cfg.KeepaliveInterval)
	if err := mgr.StartCleanupSchedule(cfg.CleanupSchedule, cfg.CleanupMaxAge); err != nil {
		return fmt.Errorf("cleanup schedule: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if file.AutoConnect {
		for _, res := range mgr.AutoConnect(ctx) {
			if res.Error != "" {
				logrus.Warnf("auto-connect %s: %s", res.Name, res.Error)
			}
		}
	}

	registry := tools.New(tools.Deps{
		Manager:        mgr,
		Files:          files,
		DefaultTimeout: cfg.EffectiveCommandTimeout(),
	})
	mcpServer := registry.MCPServer(buildVersion)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := tools.ServeStdio(gctx, mcpServer, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		// stdin closed: the client is gone, take everything down.
		stop()
		return nil
	})

	if cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handlers.NewRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logrus.Infof("status API listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logrus.Info("shutting down")
	return err
}
