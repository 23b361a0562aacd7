package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/studiowebux/shinycannon/internal/config"
	"github.com/studiowebux/shinycannon/internal/history"
	"github.com/studiowebux/shinycannon/internal/loadtest"
	"github.com/studiowebux/shinycannon/internal/observability"
	"github.com/studiowebux/shinycannon/internal/recording"
	"github.com/studiowebux/shinycannon/internal/version"
)

var (
	flagWorkers       int
	flagDuration      float64
	flagOutputDir     string
	flagOverwrite     bool
	flagDebugLog      bool
	flagStartInterval int
	flagLogLevel      string
	flagMetricsAddr   string
	flagConfigFile    string
)

var rootCmd = &cobra.Command{
	Use:   "shinycannon <recording> <app-url>",
	Short: "Load generator for Shiny applications",
	Long: `shinycannon replays a recorded Shiny session against a target
application with many concurrent workers, preserving the recording's
inter-event timing and emitting per-event timing CSVs for offline analysis.

Credentials for protected applications are taken from the
SHINYCANNON_USER and SHINYCANNON_PASS environment variables.

Examples:
  shinycannon recording.log http://localhost:3838/app
  shinycannon recording.log https://connect.example.com/content/42/ --workers 20 --loaded-duration-minutes 5
  shinycannon recording.log http://localhost:3838/app --config defaults.yaml`,
	Version: version.Version,
	Args:    cobra.ExactArgs(2),
	RunE:    run,
}

func init() {
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 0, "Number of concurrent workers (default 1)")
	rootCmd.Flags().Float64Var(&flagDuration, "loaded-duration-minutes", 0, "Minutes to sustain the full worker count (0 = one session per worker)")
	rootCmd.Flags().StringVar(&flagOutputDir, "output-dir", "", "Directory for session CSVs and run artifacts (default test-logs-<timestamp>)")
	rootCmd.Flags().BoolVar(&flagOverwrite, "overwrite-output", false, "Delete the output directory first if it exists")
	rootCmd.Flags().BoolVar(&flagDebugLog, "debug-log", false, "Write a debug-level log to <output-dir>/debug.log")
	rootCmd.Flags().IntVar(&flagStartInterval, "start-interval", 0, "Milliseconds between worker starts (default recording duration / workers)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Console log level: debug, info, warn, error (default warn)")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (disabled when empty)")
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "YAML or JSON file with default argument values")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	a := config.Args{
		RecordingPath:         args[0],
		AppURL:                args[1],
		Workers:               flagWorkers,
		LoadedDurationMinutes: flagDuration,
		OutputDir:             flagOutputDir,
		OverwriteOutput:       flagOverwrite,
		DebugLog:              flagDebugLog,
		StartIntervalMs:       flagStartInterval,
		LogLevel:              flagLogLevel,
		MetricsAddr:           flagMetricsAddr,
	}

	if flagConfigFile != "" {
		if err := a.LoadDefaults(flagConfigFile); err != nil {
			return err
		}
	}
	if a.Workers == 0 {
		a.Workers = 1
	}
	if a.LogLevel == "" {
		a.LogLevel = "warn"
	}
	if a.OutputDir == "" {
		a.OutputDir = fmt.Sprintf("test-logs-%s", time.Now().Format("2006-01-02T15_04_05"))
	}
	if err := a.Validate(); err != nil {
		return err
	}

	if err := prepareOutputDir(&a); err != nil {
		return err
	}

	debugLogPath := ""
	if a.DebugLog {
		debugLogPath = filepath.Join(a.OutputDir, "debug.log")
	}
	log, closeLog, err := observability.NewLogger(a.LogLevel, debugLogPath)
	if err != nil {
		return err
	}
	defer closeLog()

	entries, err := recording.Load(a.RecordingPath)
	if err != nil {
		return err
	}
	if err := recording.Validate(entries); err != nil {
		return err
	}
	if a.StartIntervalMs == 0 {
		a.StartIntervalMs = int(recording.Duration(entries).Milliseconds()) / a.Workers
	}

	creds := config.CredentialsFromEnv()
	if creds != nil {
		log.Info().Str("user", creds.User).Msg("authentication enabled")
	}

	var metrics *observability.Metrics
	if a.MetricsAddr != "" {
		metrics = observability.NewMetrics()
	}

	store, err := history.Open(filepath.Join(a.OutputDir, "shinycannon.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := loadtest.New(loadtest.Options{
		Args:    a,
		Argv:    strings.Join(os.Args, " "),
		Entries: entries,
		Creds:   creds,
		Log:     *log,
		Metrics: metrics,
		History: store,
	})
	if err != nil {
		return err
	}
	return orch.Run()
}

// prepareOutputDir creates the output layout: sessions/, a copy of the
// recording, and the version marker.
func prepareOutputDir(a *config.Args) error {
	if _, err := os.Stat(a.OutputDir); err == nil {
		if !a.OverwriteOutput {
			return fmt.Errorf("output dir %s already exists (use --overwrite-output)", a.OutputDir)
		}
		if err := os.RemoveAll(a.OutputDir); err != nil {
			return fmt.Errorf("failed to clear output dir: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(a.OutputDir, "sessions"), config.DirPermissions); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	if err := copyFile(a.RecordingPath, filepath.Join(a.OutputDir, "recording.log")); err != nil {
		return fmt.Errorf("failed to copy recording: %w", err)
	}

	versionPath := filepath.Join(a.OutputDir, "shinycannon-version.txt")
	if err := os.WriteFile(versionPath, []byte(version.Version+"\n"), config.FilePermissions); err != nil {
		return fmt.Errorf("failed to write version file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, config.FilePermissions)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
