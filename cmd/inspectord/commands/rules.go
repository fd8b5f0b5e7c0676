package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baremetal-lab/inspector/internal/cli/output"
	"github.com/baremetal-lab/inspector/pkg/config"
	"github.com/baremetal-lab/inspector/pkg/inspection/rules"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
)

var (
	rulesOutputFormat string
	rulesDeleteAll    bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage introspection rules",
	Long: `Manage introspection rules stored in the inspector database.

Rules are conditions evaluated against introspection data with actions
applied to the matching node. They run at the end of processing.

Examples:
  # List all rules
  inspectord rules list

  # Import rules from JSON files
  inspectord rules import rules.json

  # Show a single rule
  inspectord rules show 0f6b7b2a-...

  # Delete one rule, or all of them
  inspectord rules delete 0f6b7b2a-...
  inspectord rules delete --all`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List introspection rules",
	RunE:  runRulesList,
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Show a single rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesShow,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import rules from JSON files",
	Long: `Import rules from JSON files.

Each file holds either a single rule object or an array of rule objects:

  {
    "description": "set IPMI driver for HP machines",
    "conditions": [
      {"op": "eq", "field": "data://inventory/system_vendor/manufacturer",
       "value": "HP"}
    ],
    "actions": [
      {"action": "set-attribute", "path": "/driver", "value": "ipmi"}
    ]
  }`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRulesImport,
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete [uuid]",
	Short: "Delete one rule or all rules",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesDelete,
}

func init() {
	rulesCmd.PersistentFlags().StringVarP(&rulesOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	rulesDeleteCmd.Flags().BoolVar(&rulesDeleteAll, "all", false, "Delete all rules")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesShowCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
}

// openRulesEngine loads the configuration and opens the rules engine on the
// configured database. The caller closes the returned store.
func openRulesEngine() (*rules.Engine, *store.GORMStore, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, nil, err
	}

	db, err := config.CreateStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	return rules.NewEngine(db), db, nil
}

func rulesPrinter() (*output.Printer, error) {
	format, err := output.ParseFormat(rulesOutputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(os.Stdout, format), nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	engine, db, err := openRulesEngine()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	printer, err := rulesPrinter()
	if err != nil {
		return err
	}

	ruleList, err := engine.List(cmd.Context())
	if err != nil {
		return err
	}

	if printer.Format() != output.FormatTable {
		specs := make([]*rules.RuleSpec, 0, len(ruleList))
		for _, rule := range ruleList {
			specs = append(specs, rules.SpecFromModel(rule))
		}
		return printer.Print(specs)
	}

	table := output.NewTable("UUID", "DESCRIPTION", "SCOPE", "CONDITIONS", "ACTIONS")
	for _, rule := range ruleList {
		table.Append(
			rule.UUID,
			rule.Description,
			rule.Scope,
			fmt.Sprintf("%d", len(rule.Conditions)),
			fmt.Sprintf("%d", len(rule.Actions)),
		)
	}
	return printer.Print(table)
}

func runRulesShow(cmd *cobra.Command, args []string) error {
	engine, db, err := openRulesEngine()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	printer, err := rulesPrinter()
	if err != nil {
		return err
	}

	rule, err := engine.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printer.Print(rules.SpecFromModel(rule))
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	engine, db, err := openRulesEngine()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	imported := 0
	for _, path := range args {
		specs, err := readRuleFile(path)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			rule, err := engine.Create(cmd.Context(), spec)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("Imported rule %s\n", rule.UUID)
			imported++
		}
	}

	fmt.Printf("Imported %d rule(s)\n", imported)
	return nil
}

// readRuleFile parses a JSON file holding one rule object or an array.
func readRuleFile(path string) ([]*rules.RuleSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var list []*rules.RuleSpec
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var single rules.RuleSpec
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("%s is neither a rule object nor a rule array: %w", path, err)
	}
	return []*rules.RuleSpec{&single}, nil
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	if rulesDeleteAll == (len(args) == 1) {
		return fmt.Errorf("specify either a rule UUID or --all")
	}

	engine, db, err := openRulesEngine()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if rulesDeleteAll {
		if err := engine.DeleteAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("All rules deleted")
		return nil
	}

	if err := engine.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Rule %s deleted\n", args[0])
	return nil
}
