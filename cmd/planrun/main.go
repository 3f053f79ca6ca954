package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/veltaria/planrun/pkg/diagram"
	"github.com/veltaria/planrun/pkg/plan"
	"github.com/veltaria/planrun/pkg/recovery"
	"github.com/veltaria/planrun/pkg/runtime"
	"github.com/veltaria/planrun/pkg/txn"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv() // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets any
// variables not already present in the environment. Lines are KEY=VALUE;
// comments (#) and blanks are skipped.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "planrun",
	Short: "Local plan execution engine",
	Long:  "planrun — executes DAG plans of commands, code, file operations, decisions and API calls, with transactional undo.",
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [plan.yaml]",
	Short: "Validate a plan file against the schema and graph rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, issues := plan.ValidateFile(args[0])

	var errCount int
	for _, issue := range issues {
		if issue.Severity == "warning" {
			fmt.Fprintf(os.Stderr, "  warning [%s] %s\n", issue.Phase, issue.Message)
			if issue.Path != "" {
				fmt.Fprintf(os.Stderr, "    at: %s\n", issue.Path)
			}
			continue
		}
		errCount++
		fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", errCount, issue.Phase, issue.Message)
		if issue.Path != "" {
			fmt.Fprintf(os.Stderr, "     at: %s\n", issue.Path)
		}
	}
	if errCount > 0 {
		return fmt.Errorf("validation failed: %d error(s)", errCount)
	}
	fmt.Printf("✓ %s is valid (%d steps)\n", args[0], len(p.Steps))
	return nil
}

// --- exec ---

var (
	execDryRun   bool
	execVars     []string
	execStateDir string
	execJSON     bool
)

var execCmd = &cobra.Command{
	Use:   "exec [plan.yaml]",
	Short: "Execute a plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadFile(args[0])
	if err != nil {
		return err
	}

	vars := make(map[string]string, len(execVars))
	for _, kv := range execVars {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("--var %q is not key=value", kv)
		}
		vars[key] = val
	}

	eng, err := runtime.NewEngine(p,
		runtime.WithStateDir(execStateDir),
		runtime.WithRecovery(recovery.NoopGateway{}),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := eng.Execute(ctx, runtime.ExecuteOptions{DryRun: execDryRun, Vars: vars})
	if err != nil {
		var inv *runtime.InvalidPlanError
		if errors.As(err, &inv) {
			for _, issue := range inv.Issues {
				fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", issue.Phase, issue.Path, issue.Message)
			}
			return errors.New("plan failed validation")
		}
		if res == nil {
			return err
		}
	}

	if execJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Printf("run %s (plan %s)\n", res.RunID, res.PlanID)
	fmt.Print(res.Summary())
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "  warning: %s\n", w)
	}
	if res.TransactionID != "" {
		fmt.Printf("transaction: %s\n", res.TransactionID)
	}
	if !res.Success {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("run %s did not complete", res.RunID)
	}
	fmt.Println("✓ plan completed")
	return nil
}

// --- txns ---

var (
	txnsStateDir string
	txnsLimit    int
)

var txnsCmd = &cobra.Command{
	Use:   "txns [transaction-id]",
	Short: "List transactions, or show one transaction's operations",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTxns,
}

func runTxns(cmd *cobra.Command, args []string) error {
	mgr := txn.NewManager(txnsStateDir)

	if len(args) == 1 {
		t, err := mgr.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s  started %s\n", t.ID, t.Status, t.StartedAt.Format("2006-01-02 15:04:05"))
		ops, err := mgr.Operations(t.ID)
		if err != nil {
			return err
		}
		for _, op := range ops {
			fmt.Printf("  %s  %-12s step=%s undo=%s\n", op.ID, op.Kind, op.StepID, op.Undo.Kind)
		}
		return nil
	}

	txns, err := mgr.List(txnsLimit)
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		fmt.Println("no transactions")
		return nil
	}
	for _, t := range txns {
		fmt.Printf("%s  %-10s %s  %d op(s)\n", t.ID, t.Status, t.StartedAt.Format("2006-01-02 15:04:05"), len(t.OperationIDs))
	}
	return nil
}

// --- rollback ---

var (
	rollbackStateDir string
	rollbackOp       string
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback [transaction-id]",
	Short: "Undo a transaction's operations in reverse order, or one operation with --op",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	mgr := txn.NewManager(rollbackStateDir)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		report *txn.RollbackReport
		err    error
	)
	switch {
	case rollbackOp != "":
		report, err = mgr.RollbackOperation(ctx, rollbackOp)
	case len(args) == 1:
		report, err = mgr.RollbackTransaction(ctx, args[0])
	default:
		return errors.New("give a transaction id, or --op <operation-id>")
	}
	if err != nil {
		return err
	}

	for _, entry := range report.Entries {
		switch {
		case entry.Skipped:
			fmt.Printf("  - %s (%s) already rolled back\n", entry.OpID, entry.Kind)
		case entry.OK:
			fmt.Printf("  ✓ %s (%s)\n", entry.OpID, entry.Kind)
		default:
			fmt.Printf("  ✗ %s (%s): %s\n", entry.OpID, entry.Kind, entry.Error)
		}
	}
	if !report.Succeeded() {
		return fmt.Errorf("rollback finished with %d failure(s)", len(report.Errors()))
	}
	fmt.Println("✓ rollback complete")
	return nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the plan JSON Schema to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := plan.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

// --- graph ---

var graphFormat string

var graphCmd = &cobra.Command{
	Use:   "graph [plan.yaml]",
	Short: "Render the plan's dependency graph (mermaid or ascii)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.LoadFile(args[0])
		if err != nil {
			return err
		}
		out, err := diagram.Generate(p, diagram.Format(graphFormat))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("planrun %s (%s)\n", version, commit)
	},
}

// --- inspect ---

var inspectCmd = &cobra.Command{
	Use:   "inspect [plan.yaml]",
	Short: "Print the parsed plan as normalized YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.LoadFile(args[0])
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(p)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	execCmd.Flags().BoolVar(&execDryRun, "dry-run", false, "Walk the schedule without side effects")
	execCmd.Flags().StringArrayVar(&execVars, "var", nil, "Set a variable (key=value), repeatable")
	execCmd.Flags().StringVar(&execStateDir, "state-dir", runtime.DefaultStateDir, "State directory for runs and transactions")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "Output the run result as JSON")

	txnsCmd.Flags().StringVar(&txnsStateDir, "state-dir", runtime.DefaultStateDir, "State directory")
	txnsCmd.Flags().IntVar(&txnsLimit, "limit", 20, "Maximum transactions to list")

	rollbackCmd.Flags().StringVar(&rollbackStateDir, "state-dir", runtime.DefaultStateDir, "State directory")
	rollbackCmd.Flags().StringVar(&rollbackOp, "op", "", "Roll back a single operation by id")

	graphCmd.Flags().StringVar(&graphFormat, "format", string(diagram.FormatMermaid), "Diagram format: mermaid or ascii")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(txnsCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}
