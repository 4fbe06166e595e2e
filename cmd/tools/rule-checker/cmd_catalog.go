package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newCatalogCmd creates the "rule-checker catalog" subcommand.
func newCatalogCmd(src *sources) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the entity catalog",
		Long:  "Prints the compact catalog summary given to the generative model,\nor the full entity definitions with --json.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := src.schema(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprint(out, schema.Summary())
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(schema.Entities())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entity definitions as JSON")
	return cmd
}
