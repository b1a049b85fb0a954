// Package main implements chatctl, a terminal client that opens chat views
// directly against the configured backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"estatepro/internal/app/chatsync"
	"estatepro/internal/app/policies"
	"estatepro/internal/infra/backend"
	"estatepro/internal/infra/config"
	"estatepro/internal/infra/identity"
	"estatepro/internal/infra/obs"
)

var (
	// acting user
	userID   string
	userRole string
	verbose  bool
	// wait for the first load before giving up
	loadTimeout time.Duration
	version     = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Inspect and drive estatepro conversations",
	Long: `chatctl opens conversation views against the backend selected by
CHAT_BACKEND / CHAT_FEED and prints them as they change.

Examples:
  # Show an agent's inbox and keep it updated
  chatctl inbox --user agent-9 --role agent --follow

  # Start a conversation about a listing and say hello
  chatctl start --user buyer-1 --property prop-1 --counterpart agent-9
  chatctl send <conversation-id> --user buyer-1 "Is it still available?"`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "acting user id (required)")
	rootCmd.PersistentFlags().StringVar(&userRole, "role", string(identity.ParseRole("")), "acting user role: buyer, agent or admin")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")
	rootCmd.PersistentFlags().DurationVar(&loadTimeout, "timeout", 10*time.Second, "how long to wait for the first load")
	_ = rootCmd.MarkPersistentFlagRequired("user")
}

// session is one CLI invocation's engine and backend.
type session struct {
	engine  *chatsync.Engine
	backend *backend.Backend
	logger  *slog.Logger
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.backend.Close(ctx); err != nil {
		s.logger.Warn("backend close failed", "error", err)
	}
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := obs.NewLoggerTo(os.Stderr, cfg.Env, level)

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	actor := policies.StaticIdentity{ID: strings.TrimSpace(userID), Role: identity.ParseRole(userRole)}
	engine := chatsync.NewEngine(b.Gateway, actor, chatsync.Config{
		PollInterval:        cfg.PollInterval,
		PendingLimit:        cfg.PendingLimit,
		PendingTTL:          cfg.PendingTTL,
		MaxBody:             cfg.MaxBody,
		CallTimeout:         cfg.CallTimeout,
		MetadataConcurrency: cfg.MetadataConcurrency,
	}, chatsync.WithLogger(logger))
	return &session{engine: engine, backend: b, logger: logger}, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
