package main

import (
	"encoding/json"
	"fmt"
	"os"

	"vulnverify/internal/audit"
	"vulnverify/internal/batch"
	"vulnverify/internal/executor"
	"vulnverify/internal/knowledge"
	"vulnverify/internal/report"
	"vulnverify/internal/tree"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Triage every report in a CSV file and write the verdicts as JSON",
	RunE:  runTriage,
}

func init() {
	triageCmd.Flags().StringP("input", "i", "", "CSV file of vulnerability reports")
	triageCmd.Flags().StringP("out", "o", "results.json", "Where to write the run results")
	triageCmd.Flags().IntP("workers", "w", 0, "Concurrent reports (defaults to batch.workers)")
	_ = triageCmd.MarkFlagRequired("input")
}

func runTriage(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.log.Sync()
	cfg := e.cfg
	ctx := cmd.Context()

	input, _ := cmd.Flags().GetString("input")
	out, _ := cmd.Flags().GetString("out")
	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = cfg.Batch.Workers
	}

	reports, invalid, err := report.LoadCSV(input)
	if err != nil {
		return err
	}
	fmt.Printf("📄 Loaded %d reports from %s\n", len(reports), input)
	for _, rowErr := range invalid {
		// The batch runner rejects these on its own; warn early.
		color.Yellow("[*] %v", rowErr)
	}

	missing, err := executor.ParsePolicy(cfg.Executor.MissingContinuation)
	if err != nil {
		return err
	}
	depthVerdict, err := executor.ParsePolicy(cfg.Executor.MaxDepthVerdict)
	if err != nil {
		return err
	}

	svc, err := e.retriever(ctx)
	if err != nil {
		return err
	}

	base, err := knowledge.NewOracle(ctx, knowledge.OracleOptions{
		Provider: cfg.AI.Provider,
		APIKey:   cfg.AI.APIKey,
		Model:    cfg.AI.OracleModel,
		BaseURL:  cfg.AI.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create oracle: %w", err)
	}
	oracle := knowledge.NewRetryingOracle(base, knowledge.RetryOptions{
		Timeout:    cfg.Oracle.Timeout,
		MaxRetries: cfg.Oracle.MaxRetries,
		Delay:      cfg.Oracle.RetryDelay,
		Logger:     e.log,
	})

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	builder := tree.NewBuilder(oracle, tree.BuilderOptions{
		MaxExpansionNodes: cfg.Executor.MaxExpansionNodes,
		Language:          cfg.Oracle.Language,
		Logger:            e.log,
	})
	ex := executor.New(builder, svc, executor.NewOracleJudge(oracle, e.log), auditLog, executor.Options{
		MaxDepth:            cfg.Executor.MaxDepth,
		TopK:                cfg.Retrieval.TopK,
		MinSimilarity:       cfg.Retrieval.MinSimilarity,
		MaxExpansions:       cfg.Executor.MaxExpansions,
		MissingContinuation: missing,
		MaxDepthVerdict:     depthVerdict,
		Logger:              e.log,
	})

	runner := batch.NewRunner(ex, auditLog, batch.Options{
		Workers:  workers,
		Logger:   e.log,
		OnResult: printVerdict,
	})
	sum, err := runner.Run(ctx, reports)
	if err != nil {
		return err
	}
	for _, f := range sum.Failures {
		color.Red("[-] %s: %s", f.ReportID, f.Error)
	}

	if err := writeJSON(out, sum); err != nil {
		return err
	}
	e.log.Info("triage finished", zap.String("batch_id", sum.RunID), zap.String("out", out))
	fmt.Printf("💾 Wrote %d results (%d failed) to %s in %v\n", len(sum.Results), len(sum.Failures), out, sum.Elapsed)
	return nil
}

func printVerdict(res *executor.RunResult) {
	dup := ""
	if res.Duplicate {
		dup = " (seen before)"
	}
	switch res.Label() {
	case tree.FalsePositive.String():
		color.Green("[+] %s: %s after %d steps%s", res.ReportID, res.Label(), len(res.Trace), dup)
	case tree.Confirmed.String():
		color.Red("[!] %s: %s after %d steps%s", res.ReportID, res.Label(), len(res.Trace), dup)
	default:
		color.Yellow("[*] %s: %s%s", res.ReportID, res.Label(), dup)
	}
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
