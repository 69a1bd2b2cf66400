package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sequencer/pkg/config"
	"github.com/openfroyo/sequencer/pkg/descriptor"
	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/policy"
	"github.com/openfroyo/sequencer/pkg/transports/ssh"
)

func newValidateCommand(version string) *cobra.Command {
	var (
		watch       bool
		policyPaths []string
		noPolicy    bool
	)

	cmd := &cobra.Command{
		Use:   "validate <descriptor> [orders...]",
		Short: "Validate a sequence descriptor",
		Long: `Validate a sequence descriptor without running it.

This command checks:
  - Descriptor syntax and structure
  - Node kinds and their attributes
  - Selection expressions of foreach nodes
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a descriptor
  sequencer validate deploy.yaml

  # Re-validate on every change
  sequencer validate --watch deploy.cue`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if noPolicy {
				settings.Policy.Disabled = true
			}
			tel, err := newTelemetry(settings, version)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.WithoutCancel(cmd.Context()))

			v, err := newValidator(cmd.Context(), settings, policyPaths, tel.Logger)
			if err != nil {
				return err
			}
			defer v.pool.Close()

			path, orders := args[0], args[1:]
			out := cmd.OutOrStdout()
			err = v.check(cmd.Context(), out, path, orders)
			if !watch {
				return err
			}

			err = v.loader.Watch(cmd.Context(), []string{path}, func(path string, doc *engine.Document, err error) {
				if err != nil {
					report(out, path, err)
					return
				}
				_ = v.checkDocument(cmd.Context(), out, doc, orders)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "watching %s\n", path)
			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the descriptor changes")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional policy files or directories")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy checks")

	return cmd
}

type validator struct {
	settings *config.Settings
	loader   *descriptor.Loader
	policies *policy.Engine
	registry *engine.Registry
	pool     *ssh.Pool
	logger   zerolog.Logger
}

func newValidator(ctx context.Context, settings *config.Settings, policyPaths []string, logger zerolog.Logger) (*validator, error) {
	pe, err := newPolicyEngine(ctx, settings, policyPaths, logger)
	if err != nil {
		return nil, err
	}
	pool := ssh.NewPool()
	reg, err := newRegistry(settings, pool)
	if err != nil {
		return nil, err
	}
	return &validator{
		settings: settings,
		loader:   descriptor.NewLoader(logger),
		policies: pe,
		registry: reg,
		pool:     pool,
		logger:   logger,
	}, nil
}

func (v *validator) check(ctx context.Context, out io.Writer, path string, orders []string) error {
	doc, err := v.loader.Load(ctx, path)
	if err != nil {
		report(out, path, err)
		return err
	}
	return v.checkDocument(ctx, out, doc, orders)
}

// checkDocument builds every operation of the orders, as a run would before
// starting, and evaluates the policies.
func (v *validator) checkDocument(ctx context.Context, out io.Writer, doc *engine.Document, orders []string) error {
	if len(orders) == 0 {
		orders = doc.OrderNames()
	}
	p := engine.NewProcessor(doc, orders, nil, engine.Options{
		Registry: v.registry,
		Loader:   v.loader,
		Selector: newSelector(v.settings, v.logger),
		Logger:   &v.logger,
		MaxDepth: v.settings.Engine.MaxDepth,
	})
	if err := p.Validate(ctx); err != nil {
		report(out, doc.Path, err)
		return err
	}

	if v.policies != nil {
		result, err := v.policies.Check(ctx, doc, orders)
		if result != nil {
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "%s: warning: %s\n", doc.Path, w.Error())
			}
		}
		if err != nil {
			report(out, doc.Path, err)
			return err
		}
	}

	fmt.Fprintf(out, "%s: valid (%d orders, %d resources)\n", doc.Path, len(orders), len(doc.Resources))
	return nil
}

// report prints the individual issues of err, one per line.
func report(out io.Writer, path string, err error) {
	var parseErr *descriptor.ParseError
	if errors.As(err, &parseErr) {
		for _, issue := range parseErr.Issues {
			fmt.Fprintf(out, "%s\n", issue)
		}
		return
	}
	fmt.Fprintf(out, "%s: %s\n", path, err)
}
