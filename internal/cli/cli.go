// ============================================================================
// Beaver-Jobs CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands around the job manager
//
// Command Structure:
//   beaver-jobs                    # Root command
//   ├── run                        # Start the manager and its endpoints
//   │   └── --scenario, -s        # Optional scenario to run on start
//   ├── simulate                   # Run a scenario and print the event trace
//   │   └── --file, -f            # Scenario YAML file
//   ├── status                     # Query a running instance
//   │   └── --dump                # Read a state dump file instead
//   ├── --config, -c              # Config file (built-in defaults when empty)
//   └── --version
//
// Configuration:
//   YAML file with manager, log, http, grpc, tracing, metrics and snapshot
//   sections.
//   Missing keys keep their defaults.
//
// run Command:
//   1. Load config, build logger
//   2. Create the job manager; attach metrics and tracing listeners
//   3. Serve the HTTP inspector and gRPC health service
//   4. Wait for SIGINT/SIGTERM
//   5. Shut down the manager, drain the pool, close the listeners
//
// simulate Command:
//   Runs the jobs of a scenario file on a private manager, prints every
//   event as it happens and a per-job summary at the end.
//
//   Examples:
//     ./beaver-jobs simulate -f scenarios/outer_inner.yaml
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/logging"
	"github.com/ChuLiYu/beaver-jobs/internal/snapshot"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Version is the release reported by --version and /healthz.
var Version = "1.0.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-jobs",
		Short: "Beaver-Jobs: session-serialized job scheduling",
		Long: `Beaver-Jobs schedules jobs on a shared worker pool with:
- per-session mutual exclusion in submission order
- blocking conditions that hand the session to other jobs while waiting
- lifecycle events for metrics, tracing and health reporting`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var scenarioFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the job manager with its HTTP and gRPC endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, scenarioFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&scenarioFile, "scenario", "s", "", "scenario file to run once started")
	return cmd
}

// runSystem serves until ctx is done.
func runSystem(ctx context.Context, cfg *Config, scenarioFile string, out io.Writer) error {
	var sc *Scenario
	if scenarioFile != "" {
		var err error
		if sc, err = loadScenario(scenarioFile); err != nil {
			return err
		}
	}

	sys, err := newSystem(cfg)
	if err != nil {
		return err
	}
	if err := sys.start(); err != nil {
		sys.stop(context.Background())
		return err
	}
	sys.logger.Info("System started", "core_workers", cfg.Manager.CoreWorkers, "version", Version)

	if sc != nil {
		go func() {
			report, err := RunScenario(ctx, sys.manager, sc, nil)
			if err != nil {
				sys.logger.Error("Scenario failed", "file", scenarioFile, "error", err)
			}
			if report != nil {
				report.Print(out)
			}
		}()
	}

	<-ctx.Done()
	sys.logger.Info("Received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Manager.ShutdownTimeout+5*time.Second)
	defer cancel()
	sys.stop(shutdownCtx)

	sys.logger.Info("System stopped")
	return nil
}

func buildSimulateCommand() *cobra.Command {
	var scenarioFile string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scenario file and print its event trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			sc, err := loadScenario(scenarioFile)
			if err != nil {
				return err
			}
			var trace io.Writer
			if !quiet {
				trace = cmd.OutOrStdout()
			}
			return simulate(cmd.Context(), cfg, sc, trace, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&scenarioFile, "file", "f", "", "scenario YAML file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the summary")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// simulate runs sc on a private manager.
func simulate(ctx context.Context, cfg *Config, sc *Scenario, trace, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	m := jobmanager.New(jobmanager.WithCoreWorkers(cfg.Manager.CoreWorkers), jobmanager.WithLogger(logger))
	defer func() {
		m.Shutdown()
		m.AwaitTermination(cfg.Manager.ShutdownTimeout)
	}()

	report, err := RunScenario(ctx, m, sc, trace)
	if report != nil {
		report.Print(out)
	}
	return err
}

func buildStatusCommand() *cobra.Command {
	var addr, dump string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running instance",
		Long: `Query the HTTP inspector of a running instance for health and registered jobs.
With --dump, read a state dump file written by the snapshot section instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dump != "" {
				return showDump(cmd.OutOrStdout(), dump)
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			return showStatus(cmd.OutOrStdout(), baseURL(addr))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "inspector address (defaults to http.addr)")
	cmd.Flags().StringVar(&dump, "dump", "", "state dump file to read")
	return cmd
}

// baseURL turns a listen address such as ":8080" into a URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

type statusEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env statusEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return json.Unmarshal(env.Data, v)
}

func showStatus(out io.Writer, base string) error {
	client := &http.Client{Timeout: 3 * time.Second}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Beaver-Jobs System Status                       ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	var health struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		Uptime        string `json:"uptime"`
		ActiveFutures int    `json:"active_futures"`
		ActiveWorkers int    `json:"active_workers"`
	}
	if err := getJSON(client, base+"/healthz", &health); err != nil {
		fmt.Fprintf(out, "  └─ Inspector at %s not reachable (run 'beaver-jobs run' to start)\n\n", base)
		return fmt.Errorf("failed to reach inspector: %w", err)
	}

	fmt.Fprintln(out, "📋 Manager:")
	fmt.Fprintf(out, "  ├─ Status:          %s\n", health.Status)
	fmt.Fprintf(out, "  ├─ Version:         %s\n", health.Version)
	fmt.Fprintf(out, "  ├─ Uptime:          %s\n", health.Uptime)
	fmt.Fprintf(out, "  └─ Active Workers:  %d\n", health.ActiveWorkers)
	fmt.Fprintln(out)

	var jobs []types.FutureInfo
	if err := getJSON(client, base+"/api/v1/jobs", &jobs); err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	printJobs(out, jobs)
	return nil
}

// showDump prints a state dump file.
func showDump(out io.Writer, path string) error {
	dump, err := snapshot.NewManager(path).Load()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Beaver-Jobs State Dump                          ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  ├─ File:      %s\n", path)
	fmt.Fprintf(out, "  ├─ Taken At:  %s\n", time.UnixMilli(dump.TakenAt).Format(time.RFC3339))
	fmt.Fprintf(out, "  └─ Shutdown:  %t\n", dump.Shutdown)
	fmt.Fprintln(out)

	if len(dump.Mutexes) > 0 {
		fmt.Fprintln(out, "🔒 Mutexes:")
		for _, mi := range dump.Mutexes {
			fmt.Fprintf(out, "  %-20s holder=%-10s waiting=%d yielded=%d\n",
				mi.Mutex, shortID(mi.Holder), len(mi.Waiting), len(mi.Yielded))
		}
		fmt.Fprintln(out)
	}
	printJobs(out, dump.Futures)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJobs(out io.Writer, jobs []types.FutureInfo) {
	counts := make(map[types.JobState]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	fmt.Fprintln(out, "📊 Registered Jobs:")
	fmt.Fprintf(out, "  ├─ Total:              %d\n", len(jobs))
	for _, state := range types.AllStates {
		if state.IsTerminal() || counts[state] == 0 {
			continue
		}
		fmt.Fprintf(out, "  ├─ %-19s %d\n", string(state)+":", counts[state])
	}
	fmt.Fprintln(out, "  └─")
	fmt.Fprintln(out)
	for _, j := range jobs {
		name := j.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(out, "  %-8s  %-20s %-18s %s\n", shortID(j.ID), name, j.State, j.Mutex)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
