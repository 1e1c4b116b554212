package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/agentgate/cli"
	"github.com/quailyquaily/agentgate/messaging"
	"github.com/quailyquaily/agentgate/messaging/discord"
	"github.com/quailyquaily/agentgate/messaging/telegram"
	"github.com/quailyquaily/agentgate/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway against the configured chat platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	cmd.Flags().String("platform", "telegram", "Chat platform: telegram|discord.")
	cmd.Flags().String("telegram-token", "", "Telegram bot token.")
	cmd.Flags().Int64Slice("telegram-allowed-chat-id", nil, "Allowed Telegram chat id(s). If empty, allows all chats.")
	cmd.Flags().String("discord-token", "", "Discord bot token.")
	cmd.Flags().StringSlice("discord-allowed-channel-id", nil, "Allowed Discord channel id(s). If empty, allows all channels.")
	cmd.Flags().String("store-driver", "sqlite", "Session store driver: sqlite|file.")
	cmd.Flags().String("store-dsn", "", "SQLite DSN (defaults to ~/.agentgate/agentgate.sqlite).")
	cmd.Flags().String("store-path", "", "State file path for the file driver (defaults to ~/.agentgate/sessions.yaml).")
	cmd.Flags().String("cli-command", "claude", "Backend agent CLI command.")
	cmd.Flags().StringArray("cli-arg", nil, "Extra backend CLI argument (repeatable).")
	cmd.Flags().String("cli-workspace", "", "Working directory for backend CLI processes.")
	cmd.Flags().Int("max-sessions", 5, "Maximum concurrent backend sessions.")
	cmd.Flags().Int("limiter-rate", 30, "Outbound sends admitted per limiter window.")
	cmd.Flags().Duration("limiter-window", time.Second, "Limiter window duration.")
	cmd.Flags().Duration("queue-evict-after", 30*time.Minute, "Idle time before a conversation queue is evicted.")

	_ = viper.BindPFlag("platform", cmd.Flags().Lookup("platform"))
	_ = viper.BindPFlag("telegram.token", cmd.Flags().Lookup("telegram-token"))
	_ = viper.BindPFlag("telegram.allowed_chat_ids", cmd.Flags().Lookup("telegram-allowed-chat-id"))
	_ = viper.BindPFlag("discord.token", cmd.Flags().Lookup("discord-token"))
	_ = viper.BindPFlag("discord.allowed_channel_ids", cmd.Flags().Lookup("discord-allowed-channel-id"))
	_ = viper.BindPFlag("store.driver", cmd.Flags().Lookup("store-driver"))
	_ = viper.BindPFlag("store.dsn", cmd.Flags().Lookup("store-dsn"))
	_ = viper.BindPFlag("store.path", cmd.Flags().Lookup("store-path"))
	_ = viper.BindPFlag("cli.command", cmd.Flags().Lookup("cli-command"))
	_ = viper.BindPFlag("cli.args", cmd.Flags().Lookup("cli-arg"))
	_ = viper.BindPFlag("cli.workspace_path", cmd.Flags().Lookup("cli-workspace"))
	_ = viper.BindPFlag("cli.max_sessions", cmd.Flags().Lookup("max-sessions"))
	_ = viper.BindPFlag("limiter.rate", cmd.Flags().Lookup("limiter-rate"))
	_ = viper.BindPFlag("limiter.window", cmd.Flags().Lookup("limiter-window"))
	_ = viper.BindPFlag("queue.evict_after", cmd.Flags().Lookup("queue-evict-after"))

	return cmd
}

func runServe(cmd *cobra.Command) error {
	logger, err := newLoggerFromConfig(loggerConfig{
		Level:     viper.GetString("logging.level"),
		Format:    viper.GetString("logging.format"),
		AddSource: viper.GetBool("logging.add_source"),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	sessionStore, err := sessionStoreFromViper()
	if err != nil {
		return err
	}

	cliCfg := cli.SessionConfig{
		Command:       viper.GetString("cli.command"),
		Args:          viper.GetStringSlice("cli.args"),
		WorkspacePath: viper.GetString("cli.workspace_path"),
	}
	manager := cli.NewManager(func() cli.BackendSession {
		return cli.NewSession(cliCfg, logger)
	}, viper.GetInt("cli.max_sessions"), logger)

	limiter := messaging.NewRateLimiter(viper.GetInt("limiter.rate"), viper.GetDuration("limiter.window"), logger)
	queue := messaging.NewQueueManager(logger)

	platform, err := platformFromViper(logger)
	if err != nil {
		return err
	}

	handler := messaging.NewHandler(platform, manager, sessionStore, queue, limiter, logger)
	platform.OnMessage(handler.HandleMessage)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter.Start()
	if err := platform.Start(ctx); err != nil {
		limiter.Stop()
		return fmt.Errorf("platform start failed: %w", err)
	}
	logger.Info("serve_start", "platform", platform.Name())

	evictAfter := viper.GetDuration("queue.evict_after")
	if evictAfter > 0 {
		go func() {
			ticker := time.NewTicker(evictAfter / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := queue.Evict(evictAfter); n > 0 {
						logger.Debug("queue_evicted", "count", n)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info("serve_stop")

	platform.Stop()
	queue.CancelAll()
	manager.StopAll()
	limiter.Stop()
	return nil
}

func sessionStoreFromViper() (store.SessionStore, error) {
	driver := strings.ToLower(strings.TrimSpace(viper.GetString("store.driver")))
	switch driver {
	case "", "sqlite":
		dsn, err := store.ResolveSQLiteDSN(viper.GetString("store.dsn"))
		if err != nil {
			return nil, err
		}
		return store.OpenDB(store.Config{Driver: "sqlite", DSN: dsn})
	case "file":
		path := strings.TrimSpace(viper.GetString("store.path"))
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(home, ".agentgate", "sessions.yaml")
		}
		return store.NewFileStore(path)
	default:
		return nil, fmt.Errorf("unknown store.driver: %s", driver)
	}
}

func platformFromViper(logger *slog.Logger) (messaging.Platform, error) {
	switch strings.ToLower(strings.TrimSpace(viper.GetString("platform"))) {
	case "", "telegram":
		return telegram.New(telegram.Config{
			Token:          viper.GetString("telegram.token"),
			AllowedChatIDs: viperInt64Slice("telegram.allowed_chat_ids"),
		}, logger)
	case "discord":
		return discord.New(discord.Config{
			Token:             viper.GetString("discord.token"),
			AllowedChannelIDs: viper.GetStringSlice("discord.allowed_channel_ids"),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown platform: %s", viper.GetString("platform"))
	}
}

func viperInt64Slice(key string) []int64 {
	var out []int64
	for _, v := range viper.GetIntSlice(key) {
		out = append(out, int64(v))
	}
	return out
}
