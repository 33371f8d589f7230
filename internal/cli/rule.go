package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/qmlh/crewd/pkg/models"
)

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage coordination rules",
	}
	cmd.AddCommand(newRuleListCmd())
	cmd.AddCommand(newRuleLoadCmd())
	cmd.AddCommand(newRuleEnableCmd())
	cmd.AddCommand(newRuleDisableCmd())
	cmd.AddCommand(newRuleDeleteCmd())
	return cmd
}

func newRuleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			rules, err := api.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No rules")
				return nil
			}
			for _, r := range rules {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  p=%-3d  %-16s  %-8s  %s\n",
					r.ID, r.Priority, r.Type, state, r.Name)
			}
			return nil
		},
	}
	return cmd
}

func newRuleLoadCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a YAML rule bundle into the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var bundle struct {
				Rules []models.Rule `yaml:"rules"`
			}
			if err := yaml.Unmarshal(data, &bundle); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			if len(bundle.Rules) == 0 {
				return fmt.Errorf("%s contains no rules", path)
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			for _, r := range bundle.Rules {
				if _, err := api.CreateRule(cmd.Context(), r); err != nil {
					return fmt.Errorf("rule %s: %w", r.ID, err)
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d rules from %s\n", len(bundle.Rules), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "YAML rule bundle path")
	return cmd
}

func newRuleEnableCmd() *cobra.Command {
	var ruleID string

	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Enable a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ruleID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.SetRuleEnabled(cmd.Context(), ruleID, true); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Enabled rule %s\n", ruleID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ruleID, "id", "", "Rule ID")
	return cmd
}

func newRuleDisableCmd() *cobra.Command {
	var ruleID string

	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ruleID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.SetRuleEnabled(cmd.Context(), ruleID, false); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Disabled rule %s\n", ruleID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ruleID, "id", "", "Rule ID")
	return cmd
}

func newRuleDeleteCmd() *cobra.Command {
	var ruleID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ruleID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.DeleteRule(cmd.Context(), ruleID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule %s\n", ruleID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ruleID, "id", "", "Rule ID")
	return cmd
}
