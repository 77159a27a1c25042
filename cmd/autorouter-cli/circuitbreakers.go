package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/upstream"
)

var circuitBreakersCmd = &cobra.Command{
	Use:     "circuit-breakers",
	Aliases: []string{"cb"},
	Short:   "Inspect and force the state of per-upstream circuit breakers",
}

var cbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every active upstream's circuit breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, dialect, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		upstreams, err := upstream.New(db, dialect)
		if err != nil {
			return fmt.Errorf("build upstream registry: %w", err)
		}
		cbStore, err := circuitbreaker.NewSQLStore(db, dialect)
		if err != nil {
			return fmt.Errorf("build circuit breaker store: %w", err)
		}
		breakers := circuitbreaker.NewRegistry(cbStore)

		ctx := context.Background()
		all, err := upstreams.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("list upstreams: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "UPSTREAM\tSTATE\tFAILURES\tSUCCESSES\tOPENED_AT")
		for _, u := range all {
			b := breakers.Get(ctx, u.ID, u.CircuitBreaker)
			snap := b.Snapshot()
			openedAt := "-"
			if snap.OpenedAt != nil {
				openedAt = snap.OpenedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s (%s)\t%s\t%d\t%d\t%s\n", u.Name, u.ID, snap.State, snap.FailureCount, snap.SuccessCount, openedAt)
		}
		return tw.Flush()
	},
}

var cbForceOpenCmd = &cobra.Command{
	Use:   "force-open <upstream-id>",
	Short: "Force an upstream's circuit breaker open, halting new traffic to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cbForce(args[0], true)
	},
}

var cbForceCloseCmd = &cobra.Command{
	Use:   "force-close <upstream-id>",
	Short: "Force an upstream's circuit breaker closed, resuming normal traffic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cbForce(args[0], false)
	},
}

func cbForce(upstreamID string, open bool) error {
	db, dialect, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	upstreams, err := upstream.New(db, dialect)
	if err != nil {
		return fmt.Errorf("build upstream registry: %w", err)
	}
	cbStore, err := circuitbreaker.NewSQLStore(db, dialect)
	if err != nil {
		return fmt.Errorf("build circuit breaker store: %w", err)
	}
	breakers := circuitbreaker.NewRegistry(cbStore)

	ctx := context.Background()
	u, err := upstreams.Get(ctx, upstreamID)
	if err != nil {
		return fmt.Errorf("lookup upstream: %w", err)
	}

	b := breakers.Get(ctx, u.ID, u.CircuitBreaker)
	now := time.Now()
	if open {
		b.ForceOpen(now)
		fmt.Printf("upstream %s (%s) circuit breaker forced open\n", u.Name, u.ID)
	} else {
		b.ForceClose(now)
		fmt.Printf("upstream %s (%s) circuit breaker forced closed\n", u.Name, u.ID)
	}
	return nil
}

func init() {
	circuitBreakersCmd.AddCommand(cbListCmd, cbForceOpenCmd, cbForceCloseCmd)
	rootCmd.AddCommand(circuitBreakersCmd)
}
