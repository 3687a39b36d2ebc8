package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/chainbot/internal/app"
	"github.com/alanyoungcy/chainbot/internal/domain"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage automation rules in the configured store",
	}
	cmd.AddCommand(newRulesImportCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	return cmd
}

func newRulesImportCommand(rootOpts *RootOptions) *cobra.Command {
	var owner string
	var activate bool

	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import rules from a YAML file",
		Long: `Import rules from a YAML file holding a single rule, a list of rules,
or a mapping with a "rules" list. Field names match the JSON API.

Every rule is validated before any is stored. Imported rules start as
draft unless the file says active or paused, or --activate is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rules, err := ParseRules(data)
			if err != nil {
				return err
			}
			if err := prepareImport(rules, owner, activate); err != nil {
				return err
			}

			cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			stores, closeStores, err := app.OpenStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStores()

			for i, r := range rules {
				id, err := stores.Rules.Add(cmd.Context(), r)
				if err != nil {
					return fmt.Errorf("rules import: rule %d: %w", i+1, err)
				}
				printf(cmd, "%s\t%s\t%s\n", id, r.Kind, r.Status)
			}
			printf(cmd, "%d rule(s) imported\n", len(rules))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner for rules that do not name one")
	cmd.Flags().BoolVar(&activate, "activate", false, "import every rule as active")
	return cmd
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			stores, closeStores, err := app.OpenStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStores()

			rules, err := stores.Rules.List(cmd.Context(), owner)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOWNER\tKIND\tCHAIN\tSTATUS\tINTERVALS")
			for _, r := range rules {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", r.ID, r.Owner, r.Kind, r.Chain, r.Status, r.ExecutedIntervals)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only rules of this owner")
	return cmd
}

// ParseRules decodes a YAML rule file. YAML is converted to JSON so rules
// share the field names and value formats of the HTTP API.
func ParseRules(data []byte) ([]domain.Rule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules: parse yaml: %w", err)
	}

	var items []any
	switch v := doc.(type) {
	case nil:
		return nil, errors.New("rules: empty file")
	case []any:
		items = v
	case map[string]any:
		if list, ok := v["rules"]; ok {
			l, ok := list.([]any)
			if !ok {
				return nil, errors.New(`rules: "rules" must be a list`)
			}
			items = l
		} else {
			items = []any{v}
		}
	default:
		return nil, fmt.Errorf("rules: unexpected document of type %T", doc)
	}

	rules := make([]domain.Rule, 0, len(items))
	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("rules: rule %d: %w", i+1, err)
		}
		var r domain.Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("rules: rule %d: %w", i+1, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// prepareImport resets server-managed fields, applies the owner and status
// defaults and validates every rule.
func prepareImport(rules []domain.Rule, owner string, activate bool) error {
	var errs []error
	for i := range rules {
		r := &rules[i]
		r.ExecutedIntervals = 0
		r.LastRunAt = nil
		if r.Owner == "" {
			r.Owner = owner
		}
		switch {
		case activate:
			r.Status = domain.RuleActive
		case r.Status == "":
			r.Status = domain.RuleDraft
		}

		if r.Owner == "" {
			errs = append(errs, fmt.Errorf("rule %d: owner is required", i+1))
		}
		switch r.Status {
		case domain.RuleDraft, domain.RuleActive, domain.RulePaused:
		default:
			errs = append(errs, fmt.Errorf("rule %d: cannot import with status %q", i+1, r.Status))
		}
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}
