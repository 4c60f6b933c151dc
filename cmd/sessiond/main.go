// Package main is the CLI entry point for sessiond.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/session_engine/internal/daemon"
	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
	"github.com/eliteGoblin/focusd/session_engine/internal/infra"
	"github.com/eliteGoblin/focusd/session_engine/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "Focus session engine - blocks designated apps during sessions",
	Long: `sessiond enforces time-bounded focus sessions. It watches the
foreground application and overlays a block screen whenever a restricted
app surfaces, until the session ends or is stopped.

Sessions survive restarts: the session set and the next expiry deadline
are persisted in an encrypted store and rehydrated on startup.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the session daemon (foreground)",
	Long: `Runs the engine: rehydrates persisted sessions, starts foreground
observation, and serves until interrupted. Usually invoked by launchd
after 'sessiond install'.`,
	RunE: runDaemon,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the LaunchAgent for auto-start",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the LaunchAgent",
	RunE:  runUninstall,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and session status",
	RunE:  runStatus,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a focus session",
	Long: `Registers a new session in the durable store and signals the daemon
to pick it up. With --allow the session blocks everything except the listed
packages; otherwise it blocks only the --block packages.`,
	RunE: runStart,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update an existing session (partial merge)",
	RunE:  runUpdate,
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session (no-op if absent)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var stopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop all sessions",
	RunE:  runStopAll,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sessions",
	RunE:  runList,
}

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Probe the current foreground application",
	RunE:  runCurrent,
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions [accessibility|overlay|usage_access|exact_alarm]",
	Short: "Show permission status, or open the settings pane for one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPermissions,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	flagID       string
	flagBlock    []string
	flagAllow    []string
	flagDuration time.Duration
	flagStartsAt int64
	flagEndsAt   int64
	flagReason   string
	jsonOutput   bool
)

func init() {
	startCmd.Flags().StringVar(&flagID, "id", "", "Session id (generated when omitted)")
	startCmd.Flags().StringSliceVar(&flagBlock, "block", nil, "Packages to block")
	startCmd.Flags().StringSliceVar(&flagAllow, "allow", nil, "Allow-list packages (blocks everything else)")
	startCmd.Flags().DurationVar(&flagDuration, "duration", 0, "Session length from now (sets ends-at)")
	startCmd.Flags().Int64Var(&flagStartsAt, "starts-at", 0, "Window start, epoch milliseconds")
	startCmd.Flags().Int64Var(&flagEndsAt, "ends-at", 0, "Window end, epoch milliseconds")
	startCmd.Flags().StringVar(&flagReason, "reason", "", "Free-text annotation")

	updateCmd.Flags().StringVar(&flagID, "id", "", "Session id (required)")
	updateCmd.Flags().StringSliceVar(&flagBlock, "block", nil, "Replace blocked packages")
	updateCmd.Flags().StringSliceVar(&flagAllow, "allow", nil, "Replace allow-list packages")
	updateCmd.Flags().DurationVar(&flagDuration, "duration", 0, "New length from now (sets ends-at)")
	updateCmd.Flags().Int64Var(&flagStartsAt, "starts-at", 0, "New window start, epoch milliseconds")
	updateCmd.Flags().Int64Var(&flagEndsAt, "ends-at", 0, "New window end, epoch milliseconds")
	updateCmd.Flags().StringVar(&flagReason, "reason", "", "New annotation")
	_ = updateCmd.MarkFlagRequired("id")

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(stopAllCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(currentCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	clock := clockwork.NewRealClock()
	source := infra.NewOsascriptForegroundSource(cfg.PollInterval, clock, logger)
	perms := infra.NewDarwinPermissionProber(source, &infra.RealCommandRunner{})

	var surface domain.OverlaySurface
	if cfg.OverlayHelper != "" {
		overlay := infra.NewCommandOverlay(cfg.OverlayHelper, &infra.RealCommandRunner{}, logger)
		defer overlay.Close()
		surface = overlay
	} else {
		surface = infra.NewLogOverlay(logger)
	}

	engine := usecase.NewEngine(usecase.EngineConfig{
		SnapshotValidity: cfg.SnapshotValidity(),
		HistorySize:      cfg.EventHistorySize,
	}, store, store, surface, perms, clock, logger)

	monitor := daemon.NewForegroundMonitor(daemon.MonitorConfig{
		IgnoredPackages: cfg.IgnoredPackages,
	}, source, engine, logger)

	runtime := daemon.NewRuntime(daemon.RuntimeConfig{
		FlushInterval:        cfg.FlushInterval,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		AvailabilityInterval: cfg.AvailabilityInterval,
	}, engine, monitor, source, infra.NewRunfile(cfg.DataDir), clock, Version, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := runtime.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	mgr := infra.NewLaunchdManager(cfg.LogPath, cfg.ErrorLogPath)
	if err := mgr.Install(execPath); err != nil {
		return fmt.Errorf("failed to install LaunchAgent: %w", err)
	}
	fmt.Printf("Installed LaunchAgent: %s\n", mgr.PlistPath())
	fmt.Println("sessiond will start now and on every login.")
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	mgr := infra.NewLaunchdManager(cfg.LogPath, cfg.ErrorLogPath)
	if err := mgr.Uninstall(); err != nil {
		return fmt.Errorf("failed to remove LaunchAgent: %w", err)
	}
	fmt.Println("LaunchAgent removed.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	pm := infra.NewProcessManager()
	runfile := infra.NewRunfile(cfg.DataDir)

	fmt.Println("\n=== sessiond Status ===")

	info, err := runfile.Read()
	if err != nil || info == nil || !pm.IsRunning(info.PID) {
		fmt.Println("Daemon: NOT RUNNING")
	} else {
		fmt.Printf("Daemon: RUNNING (pid %d, version %s)\n", info.PID, info.AppVersion)
		lastBeat := time.UnixMilli(info.LastHeartbeat)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.LoadSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("Sessions: none")
	} else {
		fmt.Printf("Sessions: %d registered\n", len(sessions))
		printSessions(sessions)
	}
	if due, err := store.LoadDeadline(); err == nil && due != nil {
		fmt.Printf("Next expiry wake-up: %s\n", due.Format(time.RFC3339))
	}

	fmt.Println("=======================")
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	id := flagID
	if id == "" {
		id = uuid.NewString()
	}

	cfg := domain.SessionConfig{
		ID:              id,
		BlockedPackages: flagBlock,
		AllowPackages:   flagAllow,
		Reason:          flagReason,
	}
	if flagStartsAt > 0 {
		v := flagStartsAt
		cfg.StartsAt = &v
	}
	switch {
	case flagDuration > 0:
		v := time.Now().Add(flagDuration).UnixMilli()
		cfg.EndsAt = &v
	case flagEndsAt > 0:
		v := flagEndsAt
		cfg.EndsAt = &v
	}

	err := mutateStore(func(reg *usecase.SessionRegistry) error {
		_, err := reg.Start(cfg)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("Session %q started.\n", id)
	if cfg.EndsAt != nil {
		fmt.Printf("Ends at %s\n", time.UnixMilli(*cfg.EndsAt).Format(time.RFC3339))
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	patch := domain.SessionUpdate{ID: flagID}
	if cmd.Flags().Changed("block") {
		patch.BlockedPackages = flagBlock
	}
	if cmd.Flags().Changed("allow") {
		patch.AllowPackages = flagAllow
	}
	if cmd.Flags().Changed("starts-at") {
		v := flagStartsAt
		patch.StartsAt = &v
	}
	switch {
	case cmd.Flags().Changed("duration"):
		v := time.Now().Add(flagDuration).UnixMilli()
		patch.EndsAt = &v
	case cmd.Flags().Changed("ends-at"):
		v := flagEndsAt
		patch.EndsAt = &v
	}
	if cmd.Flags().Changed("reason") {
		v := flagReason
		patch.Reason = &v
	}

	err := mutateStore(func(reg *usecase.SessionRegistry) error {
		_, err := reg.Update(patch)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("Session %q updated.\n", flagID)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	id := args[0]
	err := mutateStore(func(reg *usecase.SessionRegistry) error {
		reg.Stop(id)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Session %q stopped.\n", id)
	return nil
}

func runStopAll(cmd *cobra.Command, args []string) error {
	err := mutateStore(func(reg *usecase.SessionRegistry) error {
		reg.StopAll()
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println("All sessions stopped.")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.LoadSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions registered.")
		return nil
	}
	printSessions(sessions)
	return nil
}

func runCurrent(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	source := infra.NewOsascriptForegroundSource(cfg.PollInterval, clockwork.NewRealClock(), zap.NewNop())
	pkg, err := source.Current()
	if err != nil || pkg == "" {
		fmt.Println("Foreground app: unknown (permission missing or probe failed)")
		return nil
	}
	fmt.Printf("Foreground app: %s\n", pkg)
	return nil
}

func runPermissions(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	source := infra.NewOsascriptForegroundSource(cfg.PollInterval, clockwork.NewRealClock(), zap.NewNop())
	prober := infra.NewDarwinPermissionProber(source, &infra.RealCommandRunner{})

	if len(args) == 1 {
		kind := domain.PermissionKind(args[0])
		if err := prober.OpenSettings(kind); err != nil {
			return err
		}
		fmt.Printf("Opened settings for %s. Re-run 'sessiond permissions' after granting.\n", kind)
		return nil
	}

	// Probe once so availability reflects reality, not the zero value.
	_, _ = source.Current()
	status := prober.Status()
	data, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("sessiond %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// mutateStore loads the durable session set, applies fn through registry
// validation, saves, and signals a running daemon to reload.
func mutateStore(fn func(reg *usecase.SessionRegistry) error) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.LoadSessions()
	if err != nil {
		return err
	}
	reg := usecase.NewSessionRegistry()
	reg.Replace(sessions)

	if err := fn(reg); err != nil {
		return err
	}
	if err := store.SaveSessions(reg.All()); err != nil {
		return err
	}
	if next := reg.NextExpiry(); next != nil {
		if err := store.SaveDeadline(next); err != nil {
			return err
		}
	} else if err := store.SaveDeadline(nil); err != nil {
		return err
	}

	signalDaemonReload(cfg)
	return nil
}

// signalDaemonReload sends SIGHUP to a running daemon, best-effort.
func signalDaemonReload(cfg infra.Config) {
	info, err := infra.NewRunfile(cfg.DataDir).Read()
	if err != nil || info == nil {
		return
	}
	pm := infra.NewProcessManager()
	if !pm.IsRunning(info.PID) {
		return
	}
	_ = syscall.Kill(info.PID, syscall.SIGHUP)
}

func openStore(cfg infra.Config) (*infra.SessionStore, error) {
	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain store key: %w", err)
	}
	return infra.NewSessionStore(cfg.DataDir, key)
}

func printSessions(sessions []domain.SessionConfig) {
	now := time.Now()
	for _, s := range sessions {
		state := domain.SessionState{SessionConfig: s}
		marker := "inactive"
		if state.IsActive(now) {
			marker = "active"
		}
		fmt.Printf("\n[%s] (%s)\n", s.ID, marker)
		if len(s.AllowPackages) > 0 {
			fmt.Printf("  Allow-list mode, allowed: %v\n", s.AllowPackages)
		} else {
			fmt.Printf("  Blocked: %v\n", s.BlockedPackages)
		}
		if s.StartsAt != nil {
			fmt.Printf("  Starts: %s\n", time.UnixMilli(*s.StartsAt).Format(time.RFC3339))
		}
		if s.EndsAt != nil {
			fmt.Printf("  Ends:   %s\n", time.UnixMilli(*s.EndsAt).Format(time.RFC3339))
		}
		if s.Reason != "" {
			fmt.Printf("  Reason: %s\n", s.Reason)
		}
	}
}

func createLogger(cfg infra.Config) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{cfg.LogPath}
	config.ErrorOutputPaths = []string{cfg.ErrorLogPath}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
