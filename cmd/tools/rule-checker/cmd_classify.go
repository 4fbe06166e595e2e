package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"nlcqe-workers/internal/engine/classifier"

	"github.com/spf13/cobra"
)

type classification struct {
	Text       string                 `json:"text"`
	Action     string                 `json:"action"`
	Entity     string                 `json:"entity,omitempty"`
	Confidence float64                `json:"confidence"`
	RuleID     string                 `json:"ruleId,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// newClassifyCmd creates the "rule-checker classify" subcommand.
func newClassifyCmd(src *sources) *cobra.Command {
	var (
		asJSON        bool
		minConfidence float64
	)
	cmd := &cobra.Command{
		Use:   "classify <utterance> [utterance...]",
		Short: "Classify utterances with the local rule table",
		Long:  "Runs only the local classifier. Nothing is planned or executed, and the\ngenerative fallback is never called.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := src.schema(cmd.Context())
			if err != nil {
				return err
			}
			set, err := src.rules()
			if err != nil {
				return err
			}
			cls, err := classifier.New(set, classifier.WithMinConfidence(minConfidence))
			if err != nil {
				return fmt.Errorf("classify: %w", err)
			}
			cls = cls.Using(schema)

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			for _, text := range args {
				intent, _ := cls.Match(text)
				c := classification{
					Text:       text,
					Action:     string(intent.Action),
					Entity:     intent.Entity,
					Confidence: intent.Confidence,
					RuleID:     intent.RuleID,
					Params:     intent.Params,
				}
				if asJSON {
					if err := enc.Encode(c); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(out, "%s\n  action=%s entity=%s confidence=%.2f rule=%s%s\n",
					c.Text, c.Action, orDash(c.Entity), c.Confidence, orDash(c.RuleID), formatParams(c.Params))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per utterance")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", classifier.DefaultMinConfidence, "confidence below which the result is unknown")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return " " + strings.Join(parts, " ")
}
