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

const serviceLabel = "dev.gltchgate.gateway"

// serviceUnit is a rendered service definition and where it is installed.
type serviceUnit struct {
	Path    string
	Content string
	Start   []string // commands printed after install
}

type serviceParams struct {
	Label  string
	Exec   string
	Config string
	LogDir string
}

// renderService builds the launchd plist (darwin) or systemd user unit
// (linux) that runs "gltchgate gateway" with cfgPath.
func renderService(goos, home, execPath, cfgPath string) (serviceUnit, error) {
	p := serviceParams{
		Label:  serviceLabel,
		Exec:   execPath,
		Config: cfgPath,
		LogDir: filepath.Join(home, ".gltchgate", "logs"),
	}
	var (
		tmpl *template.Template
		unit serviceUnit
	)
	switch goos {
	case "darwin":
		tmpl = launchdTemplate
		unit.Path = filepath.Join(home, "Library", "LaunchAgents", serviceLabel+".plist")
		unit.Start = []string{"launchctl load " + unit.Path, "launchctl unload " + unit.Path}
	case "linux":
		tmpl = systemdTemplate
		unit.Path = filepath.Join(home, ".config", "systemd", "user", "gltchgate.service")
		unit.Start = []string{"systemctl --user daemon-reload", "systemctl --user enable --now gltchgate"}
	default:
		return serviceUnit{}, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return serviceUnit{}, err
	}
	unit.Content = buf.String()
	return unit, nil
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the gateway as a user service (launchd/systemd)",
	}

	current := func() (serviceUnit, error) {
		home, err := os.UserHomeDir()
		if err != nil {
			return serviceUnit{}, err
		}
		execPath, err := os.Executable()
		if err != nil {
			return serviceUnit{}, fmt.Errorf("cannot determine executable path: %w", err)
		}
		return renderService(runtime.GOOS, home, execPath, resolveConfigPath())
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write the service file so the gateway starts at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := current()
			if err != nil {
				return err
			}
			home, _ := os.UserHomeDir()
			if err := os.MkdirAll(filepath.Join(home, ".gltchgate", "logs"), 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(unit.Path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(unit.Path, []byte(unit.Content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Service installed: %s\n", unit.Path)
			for _, c := range unit.Start {
				fmt.Printf("  %s\n", c)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := current()
			if err != nil {
				return err
			}
			if err := os.Remove(unit.Path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", unit.Path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the service file without installing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := current()
			if err != nil {
				return err
			}
			fmt.Print(unit.Content)
			return nil
		},
	})

	return cmd
}

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>gateway</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/gateway.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/gateway-error.log</string>
</dict>
</plist>
`))

var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description=gltchgate chat gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} gateway --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))
