package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-sync/internal/flow"
)

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <connection>",
		Short: "Runs a manual catalog sync for one connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFlow(cmd.Context(), flow.KindManualSync, args[0])
		},
	}
}

func (c *cli) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Refreshes or clears the remote catalog cache",
	}

	var paged bool
	refresh := &cobra.Command{
		Use:   "refresh <connection>",
		Short: "Rebuilds the cache and polls until it reports done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if paged {
				return c.runFlow(cmd.Context(), flow.KindCacheRefresh, args[0])
			}
			return c.runFlow(cmd.Context(), flow.KindCache, args[0], flow.UseAction("refresh"))
		},
	}
	refresh.Flags().BoolVar(&paged, "paged", false, "use the batched refresh action instead of polling")

	clearCmd := &cobra.Command{
		Use:   "clear <connection>",
		Short: "Clears the cache and polls until it reports done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFlow(cmd.Context(), flow.KindCache, args[0], flow.UseAction("clear"))
		},
	}

	cmd.AddCommand(refresh, clearCmd)
	return cmd
}

// runFlow starts one flow, blocks until it ends and reports a non-zero exit
// for anything but success. Notices are printed as they arrive.
func (c *cli) runFlow(ctx context.Context, kind flow.Kind, identifier string, opts ...flow.StartOption) error {
	d, err := c.app.Flow(kind)
	if err != nil {
		return err
	}
	if err := d.Start(ctx, identifier, opts...); err != nil {
		if errors.Is(err, flow.ErrMissingSelection) {
			return errors.New(d.Messages().MissingSelection)
		}
		return fmt.Errorf("start %s: %w", kind, err)
	}
	final, err := d.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	c.out.Printf("%s %s: completed=%d failed=%d steps=%d\n",
		final.Flow, final.Phase, final.Completed, final.Failed, final.Steps)
	if final.Phase == flow.PhaseSucceeded {
		return nil
	}
	msg := string(final.Phase)
	if final.Notice != nil && final.Notice.Message != "" {
		msg = final.Notice.Message
	}
	return fmt.Errorf("%s %s: %s", kind, final.Phase, msg)
}
