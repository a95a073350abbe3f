package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fentz26/reconpi/internal/engines"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/planner"
	"github.com/fentz26/reconpi/internal/worker"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate and run ranked plans",
}

var planGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Rank candidate actions for a scope and store the plan",
	RunE:  runPlanGenerate,
}

var planRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Queue a planned run on the daemon worker",
	RunE:  runPlanRun,
}

var (
	planScope   string
	planMode    string
	planNote    string
	planSeed    int64
	planVuln    bool
	planDryRun  bool
	planArtifact string
)

func init() {
	planCmd.AddCommand(planGenerateCmd, planRunCmd)

	for _, c := range []*cobra.Command{planGenerateCmd, planRunCmd} {
		c.Flags().StringVar(&planScope, "scope", "", "Target IP or CIDR (defaults to the worker scope)")
		c.Flags().StringVar(&planNote, "note", "", "Free-form note")
		c.Flags().Int64Var(&planSeed, "seed", 0, "Seed recorded on the plan")
		c.Flags().BoolVar(&planVuln, "vuln", false, "Include the basic vulnerability assessment step")
	}
	planGenerateCmd.Flags().StringVar(&planMode, "mode", planner.ModePlanOnly, "Plan mode (plan_only, autonomous_safe)")
	planGenerateCmd.Flags().BoolVar(&planDryRun, "dry-run", false, "Print the plan without storing it")
	planRunCmd.Flags().StringVar(&planArtifact, "plan", "", "Stored plan artifact id to run")
}

func runPlanGenerate(cmd *cobra.Command, args []string) error {
	s, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	registry, err := loadRegistry(cfg, slog.Default())
	if err != nil {
		return err
	}
	registry.RegisterBuiltin(engines.ActionWifiScan, engines.WifiScanBuiltin(engines.WirelessPath))

	scope := planScope
	if scope == "" {
		scope = cfg.Worker.DefaultScope
	}
	req := planner.Request{Scope: scope, Mode: planMode, Note: planNote, Seed: planSeed, IncludeVulnAssess: planVuln}
	p := planner.New(registry, s, s, cfg.Planner)

	var plan *models.Plan
	artifactID := ""
	if planDryRun {
		plan = p.Build(req)
	} else if plan, artifactID, err = p.Generate(req); err != nil {
		return err
	}

	if err := printJSON(plan); err != nil {
		return err
	}
	if artifactID != "" {
		fmt.Printf("Stored plan artifact: %s\n", artifactID)
	}
	return nil
}

func runPlanRun(cmd *cobra.Command, args []string) error {
	rr := worker.RunRequest{
		PlanArtifactID:    planArtifact,
		Scope:             planScope,
		Note:              planNote,
		Seed:              planSeed,
		IncludeVulnAssess: planVuln,
	}
	resp, err := apiPost("/runs", rr)
	if err != nil {
		return err
	}
	var job models.Job
	if err := json.Unmarshal(resp, &job); err != nil {
		return err
	}
	fmt.Printf("Queued run job: %s\n", job.ID)
	return nil
}
