package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sequencer/pkg/descriptor"
	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/policy"
	"github.com/openfroyo/sequencer/pkg/stores"
	"github.com/openfroyo/sequencer/pkg/transports/ssh"
)

type runOptions struct {
	vars        map[string]string
	dbPath      string
	noHistory   bool
	metricsAddr string
	policyPaths []string
	noPolicy    bool
	joinTimeout time.Duration
	maxDepth    int
	version     string
}

// runSummary is printed once a run ends.
type runSummary struct {
	RunID    string   `json:"run_id,omitempty"`
	Document string   `json:"document"`
	Orders   []string `json:"orders"`
	Status   string   `json:"status"`
	Duration string   `json:"duration"`
	Error    string   `json:"error,omitempty"`
}

func newRunCommand(version string) *cobra.Command {
	opts := &runOptions{version: version}

	cmd := &cobra.Command{
		Use:   "run <descriptor> [orders...]",
		Short: "Run orders of a sequence descriptor",
		Long: `Run the named orders of a sequence descriptor, one after the other.
Without order names every order of the descriptor runs in declaration order.

Before the run starts the descriptor is validated and checked against the
built-in policies and those given with --policy. Every execution is recorded
in the run history unless --no-history is set.

An interrupt signal stops the run at the next checkpoint; a second one exits
immediately.`,
		Example: `  # Run every order of a descriptor
  sequencer run deploy.yaml

  # Run selected orders with variables
  sequencer run deploy.yaml prepare rollout --var version=1.2.3

  # Expose metrics while running
  sequencer run deploy.cue --metrics-addr 127.0.0.1:9090`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescriptor(cmd.Context(), cmd.OutOrStdout(), args[0], args[1:], opts)
		},
	}

	cmd.Flags().StringToStringVarP(&opts.vars, "var", "e", nil, "variables (key=value)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "run history database path")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record the run")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringSliceVar(&opts.policyPaths, "policy", nil, "additional policy files or directories")
	cmd.Flags().BoolVar(&opts.noPolicy, "no-policy", false, "skip policy checks")
	cmd.Flags().DurationVar(&opts.joinTimeout, "join-timeout", 0, "default timeout of foreach and call nodes")
	cmd.Flags().IntVar(&opts.maxDepth, "max-depth", 0, "maximum nesting of calls")

	return cmd
}

func runDescriptor(ctx context.Context, out io.Writer, path string, orders []string, opts *runOptions) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if opts.dbPath != "" {
		settings.Store.Path = opts.dbPath
	}
	if opts.noHistory {
		settings.Store.Disabled = true
	}
	if opts.metricsAddr != "" {
		settings.Telemetry.Metrics.Enabled = true
		settings.Telemetry.Metrics.ListenAddress = opts.metricsAddr
	}
	if opts.noPolicy {
		settings.Policy.Disabled = true
	}
	if opts.joinTimeout > 0 {
		settings.Engine.JoinTimeout = opts.joinTimeout
	}
	if opts.maxDepth > 0 {
		settings.Engine.MaxDepth = opts.maxDepth
	}

	tel, err := newTelemetry(settings, opts.version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			tel.Logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger

	loader := descriptor.NewLoader(logger)
	doc, err := loader.Load(ctx, path)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		orders = doc.OrderNames()
	}

	pe, err := newPolicyEngine(ctx, settings, opts.policyPaths, logger)
	if err != nil {
		return err
	}
	var findings *policy.Result
	if pe != nil {
		result, err := pe.Check(ctx, doc, orders)
		if result != nil {
			for _, v := range append(append([]policy.Violation(nil), result.Violations...), result.Warnings...) {
				tel.Metrics.PolicyViolation(v.Policy, string(v.Severity))
			}
		}
		if err != nil {
			return err
		}
		findings = result
	}

	pool := ssh.NewPool()
	defer pool.Close()
	reg, err := newRegistry(settings, pool)
	if err != nil {
		return err
	}

	observers := engine.Observers{tel.Observer()}
	var recorder *stores.Recorder
	store, err := openStore(ctx, settings)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		recorder = stores.NewRecorder(store, doc, logger)
		observers = append(observers, recorder)
	}

	p := engine.NewProcessor(doc, orders, engine.Variables(opts.vars), engine.Options{
		Registry:    reg,
		Loader:      loader,
		Selector:    newSelector(settings, logger),
		Observers:   observers,
		Logger:      &logger,
		Output:      out,
		JoinTimeout: settings.Engine.JoinTimeout,
		MaxDepth:    settings.Engine.MaxDepth,
	})

	// Cancellation of ctx only requests a stop; running work items finish.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		logger.Info().Msg("Stopping at the next checkpoint")
		p.StopProcessing()
	})
	defer stop()

	if addr, err := tel.Metrics.Serve(runCtx, logger); err != nil {
		return err
	} else if addr != "" {
		logger.Info().Str("address", addr).Msg("Serving metrics")
	}

	started := time.Now()
	runErr := p.Run(runCtx)

	summary := runSummary{
		Document: doc.Name,
		Orders:   orders,
		Status:   engine.Classify(runErr).String(),
		Duration: time.Since(started).Round(time.Millisecond).String(),
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if recorder != nil {
		if runs := recorder.Runs(); len(runs) > 0 {
			summary.RunID = runs[len(runs)-1]
			recordFindings(runCtx, recorder, summary.RunID, findings)
		}
	}
	if err := printSummary(out, summary); err != nil {
		return err
	}
	return runErr
}

// recordFindings appends the policy warnings of a run to its event log.
func recordFindings(ctx context.Context, recorder *stores.Recorder, runID string, result *policy.Result) {
	if result == nil {
		return
	}
	ctx = engine.ContextWithExecution(ctx, &engine.Execution{ID: runID, RunID: runID})
	for _, w := range result.Warnings {
		recorder.Event(ctx, stores.EventLevelWarning, fmt.Sprintf("policy %s: %s", w.Policy, w.Message))
	}
}

func printSummary(out io.Writer, s runSummary) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	_, err := fmt.Fprintf(out, "run %s of %s: %s in %s\n",
		nonEmpty(s.RunID, "-"), s.Document, s.Status, s.Duration)
	return err
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
