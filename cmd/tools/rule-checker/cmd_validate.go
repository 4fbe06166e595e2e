package main

import (
	"fmt"

	"nlcqe-workers/internal/engine/classifier"

	"github.com/spf13/cobra"
)

// newValidateCmd creates the "rule-checker validate" subcommand.
func newValidateCmd(src *sources) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the rule table against the entity registry",
		Long:  "Loads both files, checks them against their schemas, compiles every\npattern and verifies that each rule names a catalog entity.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := src.schema(cmd.Context())
			if err != nil {
				return err
			}
			set, err := src.rules()
			if err != nil {
				return err
			}
			if err := set.CheckEntities(schema.Has); err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			if _, err := classifier.New(set); err != nil {
				return fmt.Errorf("validate: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entities: %d ok\n", len(schema.Names()))
			fmt.Fprintf(out, "rules: %d ok\n", len(set.Rules))
			return nil
		},
	}
}
