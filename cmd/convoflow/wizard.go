package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"convoflow/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: database → WhatsApp → agent endpoints → save config",
		Long:  "Guides you through the database path, the WhatsApp Cloud API credentials, the responder and generator endpoints, and the default grouping window. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}
	ask := func(label, def string) (string, error) {
		fmt.Fprint(os.Stdout, label)
		return prompt(def)
	}

	// Step 1: Database
	fmt.Println("\n--- Step 1: Database ---")
	dbPath, err := ask("SQLite database file", cfg.General.DBPath)
	if err != nil {
		return err
	}
	cfg.General.DBPath = config.ExpandPath(dbPath)
	fmt.Fprintf(os.Stdout, "  Using database: %s\n", cfg.General.DBPath)

	// Step 2: WhatsApp
	fmt.Println("\n--- Step 2: WhatsApp Cloud API ---")
	enable, err := ask("Receive and send WhatsApp messages? (y/n)", boolDefault(cfg.WhatsApp.Enabled))
	if err != nil {
		return err
	}
	cfg.WhatsApp.Enabled = strings.HasPrefix(strings.ToLower(enable), "y")
	if cfg.WhatsApp.Enabled {
		fields := []struct {
			label  string
			target *string
		}{
			{"Tenant id owning this number", &cfg.WhatsApp.TenantID},
			{"Phone number id", &cfg.WhatsApp.PhoneNumberID},
			{"Access token (or ${WHATSAPP_TOKEN})", &cfg.WhatsApp.AccessToken},
			{"App secret for webhook signatures (or ${WHATSAPP_APP_SECRET})", &cfg.WhatsApp.AppSecret},
			{"Webhook verify token", &cfg.WhatsApp.VerifyToken},
		}
		for _, f := range fields {
			v, err := ask(f.label, *f.target)
			if err != nil {
				return err
			}
			*f.target = v
		}
		fmt.Fprintf(os.Stdout, "  Webhook URL path: %s\n", cfg.WhatsApp.WebhookPath)
	}

	// Step 3: Agent endpoints
	fmt.Println("\n--- Step 3: Agent endpoints ---")
	if cfg.Responder.URL, err = ask("Responder URL receiving grouped turns", cfg.Responder.URL); err != nil {
		return err
	}
	if cfg.Generator.URL, err = ask("Generator URL for ai_function steps (empty to skip)", cfg.Generator.URL); err != nil {
		return err
	}

	// Step 4: Grouping window
	fmt.Println("\n--- Step 4: Grouping ---")
	buf, err := ask("Default grouping window in seconds (0-3600)", strconv.Itoa(cfg.Grouping.DefaultBufferSeconds))
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(buf); err == nil {
		cfg.Grouping.DefaultBufferSeconds = n
	}

	// Save
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: 'convoflow flows load <dir>' to add flows, then 'convoflow serve'.")
	return nil
}

func boolDefault(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
