package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"convoflow/internal/activity"
	"convoflow/internal/config"
	"convoflow/internal/domain"
	"convoflow/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "convoflow",
		Short: "Convoflow: conversation grouping and automated follow-up flows",
		Long: `Convoflow groups bursts of inbound customer messages into single turns for
an automated agent, and runs scheduled follow-up flows (first message,
inactivity) over WhatsApp.`,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.convoflow/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(configCmd())
	root.AddCommand(flowsCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(replyCmd())
	root.AddCommand(automationCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dbPath := config.ExpandPath(cfg.General.DBPath)
			s, err := store.Open(dbPath, logger)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer s.Close()
			logger.Info("initialized", "config", cfgPath, "db", dbPath)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and replaces the bootstrap logger with
// one honoring general.logLevel and general.logFile.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	l, err := newLogger(cfg.General)
	if err != nil {
		return nil, err
	}
	logger = l
	return cfg, nil
}

func newLogger(g config.GeneralConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// openStore loads the config and opens the database it points at.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(cfg.General.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, s, nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := store.GetSchemaVersion(s.DB())
			if err != nil {
				return err
			}
			logger.Info("database up to date", "schema_version", v)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status (groups, executions, flows)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			st, err := s.Stats(ctx)
			if err != nil {
				return err
			}
			printJSON(st)

			failed, err := s.FailedGroups(ctx, 10)
			if err != nil {
				return err
			}
			for _, g := range failed {
				logger.Warn("failed group", "id", g.ID, "conversation", g.ConversationID, "attempts", g.Attempts, "err", g.LastError)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. grouping.defaultBufferSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			printJSON(val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. dispatch.workers 16)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			printJSON(config.Sanitize(cfg))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "paths",
		Short: "List settable config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := config.ListPaths(config.Defaults())
			for _, k := range config.Keys() {
				fmt.Printf("%-45s %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage per-tenant settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-buffer [tenant] [seconds]",
		Short: "Set the grouping window of a tenant (0 to 3600 seconds)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var seconds int
			if _, err := fmt.Sscanf(args[1], "%d", &seconds); err != nil || seconds < 0 || seconds > 3600 {
				return fmt.Errorf("seconds must be an integer between 0 and 3600, got %q", args[1])
			}
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.SetBufferSeconds(context.Background(), args[0], seconds, time.Now()); err != nil {
				return err
			}
			logger.Info("tenant buffer updated", "tenant", args[0], "seconds", seconds)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants with explicit settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			tenants, err := s.ListTenants(context.Background())
			if err != nil {
				return err
			}
			printJSON(tenants)
			return nil
		},
	})

	return cmd
}

func replyCmd() *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "reply [tenant] [customer]",
		Short: "Record a manual agent reply to a customer",
		Long: `Records that a human agent answered the customer. Repeating inactivity
cooldowns restart, and flows with disable_on_manual_reply stop sending.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			tr := activity.NewTracker(s, nil, logger)
			return tr.RecordManualReply(context.Background(), domain.ManualReply{
				TenantID: args[0], CustomerID: args[1], ConversationID: conversation,
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation the reply was sent in")
	return cmd
}

func automationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "automation [conversation] [on|off]",
		Short: "Enable or disable automated flows for a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[1] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			return activity.NewTracker(s, nil, logger).SetAutomation(context.Background(), args[0], enabled)
		},
	}
}
