package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"llm_gateway/config"
	"llm_gateway/conversation"
	"llm_gateway/database"
	"llm_gateway/handlers"
	"llm_gateway/models"
)

// Version is set by ldflags during build
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "llm_gateway",
	Short: "Chat gateway in front of local LLM backends",
	Long: `llm_gateway serves a chat API over a fixed set of LLM backends. Conversation
history is trimmed to each backend's context window before every call.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Connect every configured backend and report readiness",
	RunE:  runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("llm_gateway %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to TOML configuration file (defaults only when empty)")
	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		log.Printf("Loading configuration from %s", configPath)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Initialize database
	log.Printf("Initializing database at %s", cfg.Database.Path)
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	registry, preload, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Printf("Error closing backends: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	warmUp(ctx, registry, preload)

	defaults := models.Settings{
		BackendID:   cfg.Conversations.DefaultBackend,
		Temperature: cfg.Conversations.DefaultTemperature,
		MaxTokens:   cfg.Conversations.DefaultMaxTokens,
	}
	conversations := conversation.NewService(db, registry, defaults, cfg.Conversations.MaxPerUser)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.Routes(cfg, registry, db, conversations),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go cleanupLoop(ctx, db, cfg.Database.MaxRequests, cfg.Database.CleanupInterval)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Starting LLM gateway on %s", cfg.Addr())
		for _, b := range registry.List() {
			limits := b.Limits()
			log.Printf("Backend: %s (%s, model %s, context %d tokens)", b.ID(), b.Kind(), limits.DefaultModel, limits.MaxContextTokens)
		}
		log.Printf("Database: %s", cfg.Database.Path)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error closing server: %v", err)
	}

	log.Println("Server stopped")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, _, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failures := registry.ConnectAll(ctx)
	for _, b := range registry.List() {
		status := "ready"
		if err, failed := failures[b.ID()]; failed {
			status = "FAILED: " + err.Error()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-10s %s\n", b.ID(), b.Kind(), status)
	}

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d backends not ready", len(failures), len(registry.List()))
	}
	return nil
}

// cleanupLoop trims the request log every interval minutes until ctx ends
func cleanupLoop(ctx context.Context, db *database.DB, maxRequests, interval int) {
	if maxRequests <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := db.CleanupOldRequests(maxRequests)
			if err != nil {
				log.Printf("Request log cleanup failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("Request log cleanup removed %d old requests", deleted)
			}
		}
	}
}
