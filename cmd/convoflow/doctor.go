package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"convoflow/internal/config"
	"convoflow/internal/flow"
	"convoflow/internal/store"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Convoflow installation",
		Long: `Verifies that Convoflow's configuration, database, flows, endpoints and
ports are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Convoflow Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'convoflow init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return err
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Database opens, migrates and accepts writes
			if err := checkDatabase(cfg.General.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.General.DBPath)
				passed++
			}

			// 4. Flow files parse
			if dir := cfg.Scheduler.FlowsDir; dir != "" {
				flows, err := flow.LoadDirectory(dir, logger)
				switch {
				case err != nil:
					printFail("Flows", err.Error())
					failed++
				case len(flows) == 0:
					printWarn("Flows", fmt.Sprintf("no flow files in %s", dir))
					warned++
				default:
					printPass("Flows", fmt.Sprintf("%d valid in %s", len(flows), dir))
					passed++
				}
			}

			// 5. Components have what they need
			if cfg.Dispatch.Enabled && cfg.Responder.URL == "" {
				printWarn("Responder", "dispatch is enabled but responder.url is empty")
				warned++
			} else if cfg.Responder.URL != "" {
				passed, failed = checkEndpoint("Responder", cfg.Responder.URL, probe, passed, failed)
			}
			if cfg.Executor.Enabled && !cfg.WhatsApp.Enabled {
				printWarn("WhatsApp", "executor is enabled but whatsapp is disabled; flows cannot send")
				warned++
			} else if cfg.WhatsApp.Enabled {
				printPass("WhatsApp", fmt.Sprintf("phone number %s, webhook %s", cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.WebhookPath))
				passed++
				if cfg.WhatsApp.AppSecret == "" {
					printWarn("WhatsApp signature", "appSecret is empty; webhook payloads are not verified")
					warned++
				}
			}
			if cfg.Generator.URL == "" {
				printWarn("Generator", "generator.url is empty; ai_function steps will fail")
				warned++
			} else {
				passed, failed = checkEndpoint("Generator", cfg.Generator.URL, probe, passed, failed)
			}

			// 6. API port
			if cfg.API.Enabled {
				port := cfg.API.Port
				if port == 0 {
					port = 8080
				}
				if err := checkPort(cfg.API.Host, port); err != nil {
					printWarn("API port", fmt.Sprintf("port %d may be in use: %v", port, err))
					warned++
				} else {
					printPass("API port", fmt.Sprintf("%s:%d available", cfg.API.Host, port))
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running Convoflow.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nConvoflow should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Convoflow is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "send a HEAD request to the responder and generator endpoints")
	return cmd
}

func checkDatabase(dbPath string) error {
	s, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	db := s.DB()
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

// checkEndpoint reports a configured endpoint. With probe set it must answer
// a HEAD request with anything but a 5xx.
func checkEndpoint(name, url string, probe bool, passed, failed int) (int, int) {
	if !probe {
		printPass(name, url)
		return passed + 1, failed
	}
	resp, err := resty.New().SetTimeout(5 * time.Second).R().Head(url)
	if err != nil {
		printFail(name, fmt.Sprintf("%s unreachable: %v", url, err))
		return passed, failed + 1
	}
	if resp.StatusCode() >= 500 {
		printFail(name, fmt.Sprintf("%s answered %d", url, resp.StatusCode()))
		return passed, failed + 1
	}
	printPass(name, fmt.Sprintf("%s reachable (%d)", url, resp.StatusCode()))
	return passed + 1, failed
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
