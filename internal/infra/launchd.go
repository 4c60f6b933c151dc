package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

// LaunchdLabel identifies the sessiond LaunchAgent.
const LaunchdLabel = "com.focusd.sessiond"

// launchdTemplate keeps the daemon alive across logins and crashes. This is
// what backs the durable-expiry guarantee when the process is killed: launchd
// relaunches sessiond, which rehydrates and honors the persisted deadline.
const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>run</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.ErrorLogPath}}</string>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>`

type plistConfig struct {
	Label          string
	ExecutablePath string
	LogPath        string
	ErrorLogPath   string
}

// LaunchdManager installs sessiond as a user LaunchAgent.
type LaunchdManager struct {
	plistDir     string
	plistPath    string
	logPath      string
	errorLogPath string
}

// NewLaunchdManager creates a manager targeting ~/Library/LaunchAgents.
func NewLaunchdManager(logPath, errorLogPath string) *LaunchdManager {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, "Library/LaunchAgents")
	return &LaunchdManager{
		plistDir:     dir,
		plistPath:    filepath.Join(dir, LaunchdLabel+".plist"),
		logPath:      logPath,
		errorLogPath: errorLogPath,
	}
}

// PlistPath returns the plist file location.
func (m *LaunchdManager) PlistPath() string {
	return m.plistPath
}

// IsInstalled checks if the plist exists.
func (m *LaunchdManager) IsInstalled() bool {
	_, err := os.Stat(m.plistPath)
	return err == nil
}

// Install writes the plist and loads it into launchd.
func (m *LaunchdManager) Install(execPath string) error {
	if err := os.MkdirAll(m.plistDir, 0755); err != nil {
		return err
	}
	content, err := m.renderPlist(execPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.plistPath, content, 0644); err != nil {
		return err
	}
	return exec.Command("launchctl", "load", m.plistPath).Run()
}

// Uninstall unloads and removes the plist. Not loaded is not an error.
func (m *LaunchdManager) Uninstall() error {
	_ = exec.Command("launchctl", "unload", m.plistPath).Run()
	err := os.Remove(m.plistPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (m *LaunchdManager) renderPlist(execPath string) ([]byte, error) {
	tmpl, err := template.New("plist").Parse(launchdTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plist template: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, plistConfig{
		Label:          LaunchdLabel,
		ExecutablePath: execPath,
		LogPath:        m.logPath,
		ErrorLogPath:   m.errorLogPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render plist: %w", err)
	}
	return buf.Bytes(), nil
}
