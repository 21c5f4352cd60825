package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pricefeeder/internal/app"
	"pricefeeder/internal/config"
	logx "pricefeeder/pkg/logx"
)

const stopTimeout = 15 * time.Second

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, control surface and config watcher until signaled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background())
				return err
			}
			notifyReady(a.Context(), a.Logger())

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			fatal := a.Err()
			notifyStopping()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx)
			if fatal != nil && !errors.Is(fatal, context.Canceled) {
				return fatal
			}
			return nil
		},
	}
}

func checkConfigCmd(cfgPath *string) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := config.NewManager(*cfgPath, logx.Nop())
			cfg, err := m.Load()
			if err != nil {
				return fmt.Errorf("%s is invalid:\n%w", *cfgPath, err)
			}
			problems := cfg.ScheduleProblems()
			out := cmd.OutOrStdout()
			for _, p := range problems {
				fmt.Fprintln(out, "warning:", p)
			}
			if strict && len(problems) > 0 {
				return fmt.Errorf("%d job schedule(s) invalid", len(problems))
			}
			fmt.Fprintf(out, "%s ok: %d coin(s), %d job(s), backend %s\n",
				*cfgPath, len(cfg.Coins), len(cfg.JobSpecs()), cfg.Submitter.BackendName())
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat invalid job schedules as errors")
	return cmd
}

func updateCmd(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "update [coin...]",
		Short: "Run a one-off update for the given coins (all configured coins when none)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx)
			}()

			coins := make([]string, 0, len(args))
			for _, c := range args {
				if c = strings.TrimSpace(c); c != "" {
					coins = append(coins, c)
				}
			}
			results := a.Trigger(ctx, coins)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if !r.OK() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d update(s) failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall deadline for the batch")
	return cmd
}
