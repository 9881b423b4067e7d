package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/datarelay/drivemirror/internal/config"
	"github.com/datarelay/drivemirror/internal/credfile"
	"github.com/datarelay/drivemirror/internal/drive"
	"github.com/datarelay/drivemirror/internal/httpapi"
	"github.com/datarelay/drivemirror/internal/mirror"
	"github.com/datarelay/drivemirror/internal/store"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drivemirror",
	Short: "Metadata mirror for an external file-hosting service",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, statusCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return serve(cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if cfg.Database.Type != "postgres" {
			return fmt.Errorf("migrate requires database.type postgres, have %q", cfg.Database.Type)
		}
		pg, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(); err != nil {
			return err
		}
		fmt.Println("schema is up to date")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a status snapshot from a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		req, err := http.NewRequest(http.MethodGet, "http://"+cfg.ListenAddr+"/v1/status", nil)
		if err != nil {
			return err
		}
		if cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
		}
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetching status: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status request failed: %s", resp.Status)
		}
		var snapshot map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
			return fmt.Errorf("decoding status: %w", err)
		}
		pretty, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(pretty))
		return nil
	},
}

func serve(cfg *config.Config) error {
	logWriter := io.Writer(os.Stderr)
	if cfg.Log.File != "" {
		logWriter = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		})
	}
	logger := log.New(logWriter, "[drivemirror] ", log.LstdFlags)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	validator, err := mirror.NewValidator()
	if err != nil {
		return fmt.Errorf("building validator: %w", err)
	}

	ready := mirror.NewReadySet()
	ready.AddDependency("store").MarkReady()
	credGate := ready.AddDependency("credential")

	processor := mirror.NewProcessor(st, validator, mirror.ProcessorOptions{
		BatchSize:   cfg.Sync.BatchSize,
		Parallelism: cfg.Sync.Parallelism,
		Logger:      log.New(logWriter, "[processor] ", log.LstdFlags),
	})
	queue := mirror.NewTaskQueue(credGate, processor, mirror.TaskQueueOptions{
		Logger: log.New(logWriter, "[queue] ", log.LstdFlags),
	})
	defer queue.Close()
	queue.StartMonitor(st, cfg.Sync.MonitorInterval.Duration)

	orch := mirror.NewOrchestrator(st, queue, credGate, mirror.OrchestratorOptions{
		SyncInterval:  cfg.Sync.Interval.Duration,
		PageSize:      cfg.Drive.PageSize,
		RetryLimit:    cfg.Sync.RetryLimit,
		ErrorCooldown: cfg.Sync.ErrorCooldown.Duration,
		SuccessMaxAge: cfg.Sync.SuccessMaxAge.Duration,
		MaxRetries:    cfg.Sync.MaxRetries,
		RetryDelay:    cfg.Sync.RetryDelay.Duration,
		MimeType:      cfg.Drive.MimeType,
		Logger:        log.New(logWriter, "[sync] ", log.LstdFlags),
		NewClient: func(token string) drive.Client {
			return drive.NewHTTPClient(cfg.Drive.BaseURL, token, nil)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := credfile.New(cfg.Credential.TokenFile, orch.SetCredential,
		log.New(logWriter, "[credfile] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("credential watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("starting credential watcher: %w", err)
	}
	defer watcher.Close()

	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("orchestrator stopped: %v", err)
		}
	}()

	api := httpapi.NewServer(st, queue, orch, credGate, httpapi.ServerConfig{
		AuthToken: cfg.AuthToken,
		Logger:    log.New(logWriter, "[httpapi] ", log.LstdFlags),
	})
	server := &http.Server{Addr: cfg.ListenAddr, Handler: api}
	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Type {
	case "postgres":
		pg, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}
