// Package main is the entry point for the Warden CLI. Warden is a
// capability-based execution kernel that routes natural-language intents
// through untrusted planners while enforcing data-provenance and policy
// rules on every step.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/warden/internal/bus"
	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/internal/config"
	"github.com/normanking/warden/internal/dataflow"
	"github.com/normanking/warden/internal/logging"
	"github.com/normanking/warden/internal/memstore"
	"github.com/normanking/warden/internal/metrics"
	"github.com/normanking/warden/internal/orchestrator"
	"github.com/normanking/warden/internal/policy"
	"github.com/normanking/warden/internal/provenance"
	"github.com/normanking/warden/internal/tools"
	"github.com/normanking/warden/pkg/types"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	cfg     *config.Config
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - capability-based execution kernel for untrusted plans",
		Long: `Warden routes natural-language intents through externally supplied
plans while tracking where every piece of data came from and blocking
steps that would violate security policy.

Run an intent:       warden route "summarize my inbox" --plan plan.yaml
Inspect lineage:     warden audit lineage <value-id>
Configuration:       warden config show`,
		PersistentPreRunE: initialize,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.warden/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Warden v%s\n", version)
		},
	})

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initialize(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	lcfg := &logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.File,
		Console:  cfg.Logging.Console,
	}
	if verbose {
		lcfg.Level = "debug"
		lcfg.Caller = true
	}
	log, err = logging.New(lcfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.SetGlobal(log)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func routeCmd() *cobra.Command {
	var (
		planPath    string
		userID      string
		trust       string
		permissions []string
		admin       bool
		observe     bool
	)

	cmd := &cobra.Command{
		Use:   "route <intent>",
		Short: "Route an intent through the kernel",
		Long: `Route wraps the intent as a user-sourced value, obtains a plan,
validates it against the caller's trust level, and executes each step
under policy enforcement. Without --plan a built-in single-step echo
plan is used so the pipeline can be exercised end to end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRoute(ctx, args[0], planPath, userID, trust, permissions, admin, observe)
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "YAML plan file (default: built-in echo plan)")
	cmd.Flags().StringVar(&userID, "user", "cli", "user id for the request")
	cmd.Flags().StringVar(&trust, "trust", "medium", "trust level (low, medium, high)")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "capability grants for the request")
	cmd.Flags().BoolVar(&admin, "admin", false, "run with admin privileges")
	cmd.Flags().BoolVar(&observe, "observe", false, "serve live events over WebSocket while routing")
	return cmd
}

func runRoute(ctx context.Context, intent, planPath, userID, trust string, permissions []string, admin, observe bool) error {
	arena := capability.NewArena(log)
	engine := policy.NewEngine(&policy.Config{
		CacheSize:       cfg.Policy.CacheSize,
		DisableBuiltins: cfg.Policy.DisableBuiltins,
		Logger:          log,
	})
	tracker := provenance.NewTracker(&provenance.Config{
		MaxRecords: cfg.Provenance.MaxRecords,
		Logger:     log,
	})
	store := memstore.NewManager(&memstore.Config{
		MaxValues:          cfg.Memory.MaxValues,
		MaxBytes:           cfg.Memory.MaxBytes,
		CompactionInterval: cfg.Memory.CompactionInterval,
		Compression:        cfg.Memory.Compression,
		Logger:             log,
	})
	store.Start(ctx)
	defer store.Cleanup()

	b := bus.NewBus()
	defer b.Close()

	mstore, err := metrics.OpenStore(filepath.Join(cfg.GetDataDir(), "metrics.db"))
	if err != nil {
		log.Err(err, "open metrics store; continuing without persistence")
		mstore = nil
	} else {
		defer mstore.Close()
	}
	collector := metrics.NewCollector(b, mstore)
	collector.Start()
	defer collector.Stop()

	if observe || cfg.Observer.Enabled {
		obs := bus.NewObserver(b, bus.ObserverConfig{
			Port:          cfg.Observer.Port,
			ReplayHistory: cfg.Observer.ReplayHistory,
			HistoryCount:  cfg.Observer.HistoryCount,
			Logger:        log,
		})
		if err := obs.Start(); err != nil {
			return fmt.Errorf("start observer: %w", err)
		}
		defer obs.Stop()
		fmt.Printf("Observer listening on ws://localhost:%d/events\n", cfg.Observer.Port)
	}

	var planner orchestrator.PlanSupplier
	if planPath != "" {
		planner = &filePlanner{path: planPath}
	} else {
		planner = &echoPlanner{}
	}

	graph := dataflow.New(log, dataflow.Shared(), dataflow.MaxNodes(cfg.Dataflow.MaxNodes))

	orch, err := orchestrator.New(&orchestrator.Config{
		Arena:             arena,
		Policies:          engine,
		Graph:             graph,
		Tracker:           tracker,
		Store:             store,
		Bus:               b,
		Planner:           planner,
		Quarantine:        &localQuarantine{arena: arena},
		StepTimeout:       cfg.Execution.StepTimeout,
		QuarantineRetries: cfg.Execution.QuarantineRetries,
		RetryBackoff:      cfg.Execution.RetryBackoff,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	for _, t := range builtinTools() {
		orch.RegisterTool(t)
	}

	user := &types.UserContext{
		UserID:      userID,
		SessionID:   uuid.NewString(),
		TrustLevel:  types.ParseTrustLevel(trust),
		Permissions: permissions,
		Admin:       admin,
	}

	res, err := orch.Route(ctx, intent, user)
	if res != nil {
		printResult(res, tracker)
	}
	if verbose {
		fmt.Print(collector.Summary())
	}
	if err != nil {
		return err
	}

	// Persist the audit trail so `warden audit` can inspect it later.
	if cfg.Provenance.LedgerPath != "" {
		ledger, lerr := provenance.OpenLedger(cfg.Provenance.LedgerPath, log)
		if lerr != nil {
			log.Err(lerr, "open provenance ledger")
			return nil
		}
		defer ledger.Close()
		if lerr := ledger.SaveAll(ctx, tracker); lerr != nil {
			log.Err(lerr, "persist provenance records")
		}
	}
	return nil
}

func printResult(res *orchestrator.Result, tracker *provenance.Tracker) {
	fmt.Printf("Request:  %s\n", res.RequestID)
	fmt.Printf("State:    %s\n", res.State)
	if res.BlockReason != "" {
		fmt.Printf("Blocked:  %s\n", res.BlockReason)
	}
	for i, v := range res.Values {
		tag := v.Type
		if v.IsError() {
			tag = "error"
		}
		fmt.Printf("Step %d:   [%s] %s\n", i, tag, v.ID)
	}
	if res.Output != nil {
		fmt.Printf("Output:   %v\n", res.Output.Payload)
		if chain := tracker.GetProvenanceChain(res.Output.ID); len(chain) > 0 {
			fmt.Printf("Lineage:  %d provenance record(s); inspect with `warden audit lineage %s`\n", len(chain), res.Output.ID)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUDIT COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the persisted provenance ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "lineage <value-id>",
		Short: "Print the full lineage report for a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := restoredTracker(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(tracker.GenerateLineageReport(args[0]))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "records",
		Short: "List persisted provenance records",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := restoredTracker(cmd.Context())
			if err != nil {
				return err
			}
			records := tracker.QueryProvenance(provenance.Filter{})
			if len(records) == 0 {
				fmt.Println("No provenance records found.")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %-20s  value=%s  actor=%s\n",
					r.Timestamp.Format("2006-01-02 15:04:05"), r.Operation, r.ValueID, r.Actor)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <value-id>",
		Short: "Verify the hash chain for a value's records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := restoredTracker(cmd.Context())
			if err != nil {
				return err
			}
			if err := tracker.VerifyChain(args[0]); err != nil {
				return fmt.Errorf("chain verification failed: %w", err)
			}
			fmt.Println("Chain intact.")
			return nil
		},
	})

	return cmd
}

// restoredTracker loads all persisted records from the configured ledger
// into a fresh in-memory tracker.
func restoredTracker(ctx context.Context) (*provenance.Tracker, error) {
	if cfg.Provenance.LedgerPath == "" {
		return nil, fmt.Errorf("no provenance ledger configured (set provenance.ledger_path)")
	}
	ledger, err := provenance.OpenLedger(cfg.Provenance.LedgerPath, log)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	tracker := provenance.NewTracker(&provenance.Config{
		MaxRecords: cfg.Provenance.MaxRecords,
		Logger:     log,
	})
	if err := ledger.Restore(ctx, tracker); err != nil {
		return nil, fmt.Errorf("restore records: %w", err)
	}
	return tracker, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func metricsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show today's request outcomes and recent history",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := metrics.OpenStore(filepath.Join(cfg.GetDataDir(), "metrics.db"))
			if err != nil {
				return fmt.Errorf("open metrics store: %w", err)
			}
			defer store.Close()

			stats, err := store.GetTodayStats()
			if err != nil {
				return err
			}
			fmt.Printf("Today (%s): %d requests, %d completed, %d blocked, %d failed (block rate %.1f%%)\n",
				stats.Date, stats.TotalRequests, stats.Completed, stats.Blocked, stats.Failed, stats.BlockRate)

			recent, err := store.GetRecentRequests(limit)
			if err != nil {
				return err
			}
			for _, m := range recent {
				line := fmt.Sprintf("%s  %-10s %s", m.CreatedAt.Format("2006-01-02 15:04:05"), m.State, m.RequestID)
				if m.Detail != "" {
					line += "  " + m.Detail
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent requests to list")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage warden configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("Configuration is valid.")
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEMO COLLABORATORS
// ═══════════════════════════════════════════════════════════════════════════════

// filePlanner reads a fixed plan from a YAML file. It stands in for an
// external planner model during development and scripted runs.
type filePlanner struct {
	path string
}

func (p *filePlanner) Plan(ctx context.Context, intent string, user *types.UserContext) (*orchestrator.Plan, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var plan orchestrator.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Intent == "" {
		plan.Intent = intent
	}
	return &plan, nil
}

// echoPlanner produces a single-step plan echoing the intent back. It
// exists so `warden route` works out of the box without a plan file.
type echoPlanner struct{}

func (p *echoPlanner) Plan(ctx context.Context, intent string, user *types.UserContext) (*orchestrator.Plan, error) {
	return &orchestrator.Plan{
		ID:     uuid.NewString(),
		Intent: intent,
		Steps: []orchestrator.ExecutionStep{
			{
				Kind: orchestrator.StepToolCall,
				Tool: "echo",
				Args: map[string]any{"message": "$intent"},
			},
		},
		Risk: orchestrator.RiskAssessment{Level: types.RiskLow},
	}, nil
}

// localQuarantine is a stand-in quarantined model for development runs.
// It honors the isolation contract (refuses untrusted external input,
// never touches tools) but performs no real extraction.
type localQuarantine struct {
	arena *capability.Arena
}

func (q *localQuarantine) Query(ctx context.Context, query, schema string, inputs []*capability.Value) (*capability.Value, error) {
	parts := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.Capabilities.HasUntrustedExternal() {
			return nil, fmt.Errorf("input %s carries untrusted external content", in.ID)
		}
		parts = append(parts, fmt.Sprintf("%v", in.Payload))
	}
	payload := fmt.Sprintf("query=%q inputs=%s", query, strings.Join(parts, "; "))
	return q.arena.CreateQuarantineOutput(payload, "local-quarantine", inputs), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUILT-IN TOOLS
// ═══════════════════════════════════════════════════════════════════════════════

// builtinTools returns the tool set registered for CLI runs. Filesystem
// tools are sandboxed to the current working directory.
func builtinTools() []orchestrator.Tool {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return []orchestrator.Tool{
		tools.Echo(),
		tools.Concat(),
		tools.WordCount(),
		tools.Clock(),
		tools.NewReadTool(cwd),
		tools.NewListTool(cwd),
	}
}
