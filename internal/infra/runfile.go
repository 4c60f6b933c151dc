package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
)

const runFileName = "sessiond.run"

// Runfile records the daemon's pid and heartbeat in a JSON file so the CLI
// can discover the running daemon (for status output and reload signals).
type Runfile struct {
	path string
}

// NewRunfile creates a runfile handle under the data directory.
func NewRunfile(dataDir string) *Runfile {
	return &Runfile{path: filepath.Join(dataDir, runFileName)}
}

// Path returns the runfile location.
func (r *Runfile) Path() string {
	return r.path
}

// Write records the daemon's identity, replacing any previous record.
func (r *Runfile) Write(pid int, startedAt time.Time, version string) error {
	info := domain.RunInfo{
		PID:           pid,
		StartedAt:     startedAt.UnixMilli(),
		LastHeartbeat: time.Now().UnixMilli(),
		AppVersion:    version,
	}
	return r.atomicWrite(info)
}

// Heartbeat refreshes the liveness timestamp.
func (r *Runfile) Heartbeat() error {
	info, err := r.Read()
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("runfile missing")
	}
	info.LastHeartbeat = time.Now().UnixMilli()
	return r.atomicWrite(*info)
}

// Read returns the recorded daemon info, or nil when no daemon has run.
func (r *Runfile) Read() (*domain.RunInfo, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info domain.RunInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Clear removes the runfile. Missing file is a no-op.
func (r *Runfile) Clear() error {
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// atomicWrite writes the runfile via temp file + rename so a concurrent
// reader never sees a partial record.
func (r *Runfile) atomicWrite(info domain.RunInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
