package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-sync/internal/ajax"
)

func (c *cli) productCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Single product actions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sync <product>",
			Short: "Pushes one product to the remote catalog",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				res, err := c.app.Products().Sync(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("sync product %d: %w", id, err)
				}
				c.printResult(res)
				return nil
			},
		},
		&cobra.Command{
			Use:   "map <product> <remote-id>",
			Short: "Links a product to a remote catalog item",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				res, err := c.app.Products().Map(cmd.Context(), id, args[1])
				if err != nil {
					return fmt.Errorf("map product %d: %w", id, err)
				}
				c.printResult(res)
				return nil
			},
		},
		&cobra.Command{
			Use:   "unmap <product>",
			Short: "Removes the remote link of a product",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				res, err := c.app.Products().Unmap(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("unmap product %d: %w", id, err)
				}
				c.printResult(res)
				return nil
			},
		},
	)
	return cmd
}

func (c *cli) variationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variations",
		Short: "Variation mapping actions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "map <product> <variation>=<remote-id>...",
		Short: "Replaces the variation mapping table of a product",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			mappings, err := parseMappings(args[1:])
			if err != nil {
				return err
			}
			res, err := c.app.Products().SaveVariationMap(cmd.Context(), id, mappings)
			if err != nil {
				return fmt.Errorf("save variation map of %d: %w", id, err)
			}
			c.printResult(res)
			return nil
		},
	})
	return cmd
}

func (c *cli) printResult(res ajax.ProductResult) {
	if res.Message != "" {
		c.out.Printf("%s\n", res.Message)
	}
	for _, s := range res.Steps {
		line := s.Label
		if s.Status != "" {
			line += " [" + s.Status + "]"
		}
		if s.Message != "" {
			line += ": " + s.Message
		}
		c.out.Printf("  %s\n", line)
	}
	if res.EditURL != "" {
		c.out.Printf("edit: %s\n", res.EditURL)
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid product id %q", raw)
	}
	return id, nil
}

// parseMappings reads "variation=remote" pairs. An empty remote id clears the
// mapping of that variation.
func parseMappings(args []string) ([]ajax.VariationMapping, error) {
	out := make([]ajax.VariationMapping, 0, len(args))
	for _, arg := range args {
		local, remote, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("mapping %q must look like <variation>=<remote-id>", arg)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(local), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid variation id in %q", arg)
		}
		out = append(out, ajax.VariationMapping{VariationID: id, RemoteID: strings.TrimSpace(remote)})
	}
	return out, nil
}
