package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.convoflow.serve"
	systemdUnit  = "convoflow.service"
)

// serviceUnit is a rendered service definition and where it belongs.
type serviceUnit struct {
	Path    string
	Content string
	Hints   []string // commands printed after install
}

type unitVars struct {
	Exec    string
	Config  string
	Label   string
	LogDir  string
	EnvFile string
}

// unitFor renders the service definition that runs `serve` for goos. The
// env file sits next to the config and carries the secrets the config
// references as ${VAR}.
func unitFor(goos, home, execPath, cfgPath string) (*serviceUnit, error) {
	cfgDir := filepath.Dir(cfgPath)
	vars := unitVars{
		Exec:    execPath,
		Config:  cfgPath,
		Label:   launchdLabel,
		LogDir:  filepath.Join(cfgDir, "logs"),
		EnvFile: filepath.Join(cfgDir, "convoflow.env"),
	}

	var tmpl *template.Template
	u := &serviceUnit{}
	switch goos {
	case "darwin":
		tmpl = launchdTemplate
		u.Path = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		u.Hints = []string{"launchctl load " + u.Path, "launchctl unload " + u.Path}
	case "linux":
		tmpl = systemdTemplate
		u.Path = filepath.Join(home, ".config", "systemd", "user", systemdUnit)
		u.Hints = []string{"systemctl --user daemon-reload", "systemctl --user enable --now convoflow"}
	default:
		return nil, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("render %s unit: %w", goos, err)
	}
	u.Content = buf.String()
	return u, nil
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage 'convoflow serve' as a system daemon (launchd/systemd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write the service file that runs the pipeline on login",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := currentUnit()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(filepath.Dir(resolveConfigPath()), "logs"), 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(u.Path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(u.Path, []byte(u.Content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Daemon installed: %s\n", u.Path)
			for _, h := range u.Hints {
				fmt.Printf("  %s\n", h)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := currentUnit()
			if err != nil {
				return err
			}
			if err := os.Remove(u.Path); err != nil {
				return fmt.Errorf("remove %s: %w", u.Path, err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", u.Path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the service file without installing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := currentUnit()
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s\n", u.Path, u.Content)
			return nil
		},
	})
	return cmd
}

func currentUnit() (*serviceUnit, error) {
	cfgPath, err := filepath.Abs(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot determine executable path: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return unitFor(runtime.GOOS, home, execPath, cfgPath)
}

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>/bin/sh</string>
        <string>-c</string>
        <string>[ -f "{{.EnvFile}}" ] &amp;&amp; . "{{.EnvFile}}"; exec "{{.Exec}}" serve --config "{{.Config}}"</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ExitTimeOut</key>
    <integer>45</integer>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/convoflow.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/convoflow-error.log</string>
</dict>
</plist>
`))

// SIGTERM lets serve finish in-flight deliveries before exiting.
var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description=Convoflow conversation pipeline
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
EnvironmentFile=-{{.EnvFile}}
ExecStart={{.Exec}} serve --config {{.Config}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=45

[Install]
WantedBy=default.target
`))
