package main

import (
	"context"
	"fmt"
	"time"

	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/classifier"

	"github.com/spf13/cobra"
)

// sources holds the file flags shared by every subcommand. Empty paths select
// the tables compiled into the binary.
type sources struct {
	rulesPath    string
	registryPath string
}

func (s *sources) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&s.rulesPath, "rules", "", "intent rule file (YAML); empty uses the builtin table")
	cmd.PersistentFlags().StringVar(&s.registryPath, "registry", "", "entity registry file (JSON); empty uses the builtin catalog")
}

func (s *sources) schema(ctx context.Context) (*catalog.Schema, error) {
	source := catalog.Builtin()
	if s.registryPath != "" {
		source = catalog.FromFile(s.registryPath)
	}
	schema, err := catalog.New(source, time.Minute, logger.NewNoOpLogger()).Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return schema, nil
}

func (s *sources) rules() (*classifier.RuleSet, error) {
	set, err := classifier.LoadRules(s.rulesPath)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return set, nil
}

// newRootCmd creates the root rule-checker command with all subcommands attached.
func newRootCmd() *cobra.Command {
	src := &sources{}
	cmd := &cobra.Command{
		Use:           "rule-checker",
		Short:         "Check intent rules and the entity registry offline",
		Long:          "rule-checker validates the intent rule table and entity registry,\nclassifies utterances without touching any database, and prints the catalog.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	src.bind(cmd)

	cmd.AddCommand(
		newValidateCmd(src),
		newClassifyCmd(src),
		newCatalogCmd(src),
	)
	return cmd
}
