package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fentz26/reconpi/internal/controlplane"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/stages"
	"github.com/spf13/cobra"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Review and approve staged plan steps",
}

var stagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stage requests",
	RunE:  runStagesList,
}

var stagesApproveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve a stage request and resume its job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStagesApprove,
}

var (
	stagesPending bool
	approvedBy    string
)

func init() {
	stagesCmd.AddCommand(stagesListCmd, stagesApproveCmd)

	stagesListCmd.Flags().BoolVar(&stagesPending, "pending", false, "Only show requests without an approval")

	hostname, _ := os.Hostname()
	stagesApproveCmd.Flags().StringVar(&approvedBy, "by", fmt.Sprintf("cli@%s", hostname), "Approver recorded on the approval")
}

func runStagesList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/stages")
	if err != nil {
		return err
	}
	var entries []stages.Entry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tJOB\tSTEP\tACTION\tRISK\tSCOPE\tAPPROVED BY")
	rows := 0
	for _, e := range entries {
		if stagesPending && e.Approved() {
			continue
		}
		by := "-"
		if e.Approval != nil {
			by = e.Approval.ApprovedBy
		}
		r := e.Request
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", r.ID, truncateID(r.JobID), r.StepIndex, r.ActionID, r.Risk, r.Scope, by)
		rows++
	}
	if rows == 0 {
		fmt.Println("No stage requests")
		return nil
	}
	return w.Flush()
}

func runStagesApprove(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/stages/"+args[0]+"/approve", controlplane.ApproveRequest{ApprovedBy: approvedBy})
	if err != nil {
		return err
	}
	var approval models.StageApproval
	if err := json.Unmarshal(resp, &approval); err != nil {
		return err
	}
	fmt.Printf("Approved %s by %s\n", approval.RequestID, approval.ApprovedBy)
	return nil
}
