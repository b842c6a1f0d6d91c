package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BaSui01/qaforge/dataset"
	"github.com/BaSui01/qaforge/llm/batch"
	"github.com/BaSui01/qaforge/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate variations for every work item in the input file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAugment(ctx, root, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.fresh, "fresh", false, "discard the checkpoint and output, then start from the first item")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "use offline providers instead of calling any API")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "process at most this many items in this run (overrides process_limit)")
	return cmd
}

func runAugment(ctx context.Context, root *rootOptions, opts runOptions, out io.Writer) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, level := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting qaforge",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	items, err := dataset.Load(cfg.Input.Path, dataset.LoadOptions{
		Variations:     cfg.Augment.VariationsPerQuestion,
		VariationTypes: cfg.Augment.VariationTypes,
	})
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, root.configPath, logger, level, opts)
	if err != nil {
		return err
	}

	summary, runErr := a.run(ctx, items)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	usage := a.usage(shutdownCtx)
	if err := a.close(shutdownCtx); err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}

	if runErr != nil {
		if errors.Is(runErr, types.ErrCorruption) {
			return fmt.Errorf("%w (rerun with --fresh to discard the checkpoint)", runErr)
		}
		printSummary(out, summary, usage)
		return runErr
	}

	printSummary(out, summary, usage)
	if !summary.Complete() {
		return &exitError{code: exitIncomplete}
	}
	return nil
}

func printSummary(w io.Writer, s batch.Summary, u *usageReport) {
	fmt.Fprintf(w, "total:      %d\n", s.Total)
	fmt.Fprintf(w, "succeeded:  %d\n", s.Succeeded)
	fmt.Fprintf(w, "failed:     %d\n", s.Failed)
	fmt.Fprintf(w, "skipped:    %d\n", s.Skipped)
	fmt.Fprintf(w, "cursor:     %d\n", s.Cursor)
	fmt.Fprintf(w, "duration:   %s\n", s.Duration.Round(time.Millisecond))
	if s.Stopped {
		fmt.Fprintf(w, "stopped:    %s\n", s.StopReason)
	}
	for _, id := range s.FailedIDs {
		fmt.Fprintf(w, "  failed item %s\n", id)
	}
	if u == nil {
		return
	}
	fmt.Fprintf(w, "requests:   %d (%d succeeded)\n", u.totals.Requests, u.totals.Succeeded)
	fmt.Fprintf(w, "tokens:     %d prompt, %d completion\n", u.totals.PromptTokens, u.totals.CompletionTokens)
	fmt.Fprintf(w, "cost:       $%.4f\n", u.totals.EstimatedCost)
	for _, c := range u.byCredential {
		fmt.Fprintf(w, "  %s  %d requests  $%.4f\n", c.CredentialID, c.Requests, c.EstimatedCost)
	}
}
