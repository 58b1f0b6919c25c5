package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/viaiv/console/internal/api"
	"github.com/viaiv/console/internal/auth"
	"github.com/viaiv/console/internal/config"
	"github.com/viaiv/console/internal/httpapi"
	"github.com/viaiv/console/internal/logging"
	"github.com/viaiv/console/internal/store"
	"github.com/viaiv/console/internal/stream"
)

var (
	portFlag         int
	verboseFlag      bool
	conversationFlag string
	accessTokenFlag  string
	refreshTokenFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "consoled",
		Short: "Console transport daemon",
		Long: `consoled owns the web console's session and realtime transport layer:
the bearer credential pair, transparent renewal, and the per-conversation
streaming channel with bounded reconnection. The console UI talks to it
over a local HTTP API.`,
		RunE: runDaemon,
	}

	rootCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Local API port (overrides config)")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose logging")
	rootCmd.Flags().StringVarP(&conversationFlag, "conversation", "c", "", "Bind this conversation at startup")

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Store a credential pair for the daemon to use",
		RunE:  runLogin,
	}
	loginCmd.Flags().StringVar(&accessTokenFlag, "access-token", "", "Access token (or CONSOLE_ACCESS_TOKEN)")
	loginCmd.Flags().StringVar(&refreshTokenFlag, "refresh-token", "", "Refresh token (or CONSOLE_REFRESH_TOKEN)")
	rootCmd.AddCommand(loginCmd)

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored credential pair",
		RunE:  runLogout,
	}
	rootCmd.AddCommand(logoutCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's session and stream status",
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Local API port (overrides config)")
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadEnvAndConfig() (*config.Config, error) {
	homeDir, _ := os.UserHomeDir()
	godotenv.Load(".env")
	godotenv.Load(filepath.Join(homeDir, ".env"))

	return config.Load()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadEnvAndConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}

	if err := logging.Init(cfg.DataPath); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()
	if !verboseFlag {
		logging.SetLevel(logging.LevelInfo)
	}

	logging.Info("Starting consoled (api=%s stream=%s)", cfg.APIBaseURL, cfg.StreamBaseURL)

	creds, err := auth.NewStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	emitter := auth.NewLogoutEmitter()
	client := api.NewClient(cfg.APIBaseURL, cfg.RequestTimeout(), creds, emitter)

	cache, err := store.NewSQLiteStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to initialize transcript cache: %w", err)
	}
	defer cache.Close()

	supervisor := stream.NewSupervisor(
		stream.Config{
			StreamBaseURL: cfg.StreamBaseURL,
			Heartbeat:     cfg.HeartbeatInterval(),
			BaseDelay:     cfg.ReconnectBaseDelay(),
			MaxRetries:    cfg.ReconnectMaxRetries,
		},
		func() (string, bool) {
			c, ok := creds.Credentials()
			return c.AccessToken, ok
		},
		func(conversationID string, ev stream.Event) {
			if err := cache.Apply(conversationID, ev); err != nil {
				logging.Warn("Failed to cache stream event %s: %v", ev.Type, err)
			}
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The transport layer never navigates; ending the stream on logout is
	// the daemon's one reaction to the signal.
	logoutCh := emitter.Subscribe()
	defer emitter.Unsubscribe(logoutCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-logoutCh:
				if !ok {
					return
				}
				logging.Info("Session ended: reason=%s", sig.Reason)
				supervisor.Unbind()
			}
		}
	}()

	if conversationFlag != "" {
		supervisor.Bind(conversationFlag)
	}

	server := httpapi.NewServer(creds, emitter, client, supervisor, cache, cfg.Port)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("local API server failed: %w", err)
	}

	supervisor.Unbind()
	logging.Info("consoled stopped")
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadEnvAndConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	access := accessTokenFlag
	if access == "" {
		access = os.Getenv("CONSOLE_ACCESS_TOKEN")
	}
	refresh := refreshTokenFlag
	if refresh == "" {
		refresh = os.Getenv("CONSOLE_REFRESH_TOKEN")
	}
	if access == "" {
		return fmt.Errorf("an access token is required (--access-token or CONSOLE_ACCESS_TOKEN)")
	}

	creds, err := auth.NewStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	if err := creds.Replace(auth.Credentials{AccessToken: access, RefreshToken: refresh}); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	fmt.Println("Credentials stored.")
	if refresh == "" {
		fmt.Println("Warning: no refresh token; the session cannot be renewed when the access token expires.")
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadEnvAndConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	creds, err := auth.NewStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	creds.Clear()
	fmt.Println("Credentials cleared.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadEnvAndConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	port := cfg.Port
	if portFlag != 0 {
		port = portFlag
	}

	client := &http.Client{Timeout: 5 * time.Second}
	for _, endpoint := range []string{"session/status", "stream/status"} {
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/%s", port, endpoint))
		if err != nil {
			return fmt.Errorf("daemon not reachable on port %d: %w", port, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		var pretty json.RawMessage = body
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			out = body
		}
		fmt.Printf("%s:\n%s\n", endpoint, out)
	}
	return nil
}
