package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/reconpi/internal/controlplane"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add [action-id]",
	Short: "Queue a LAN job that runs one action",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAdd,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a queued or blocked job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("cancel"),
}

var jobsResetCmd = &cobra.Command{
	Use:   "reset [job-id]",
	Short: "Requeue a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("reset"),
}

var jobsFailCmd = &cobra.Command{
	Use:   "fail [job-id]",
	Short: "Mark a job failed",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("fail"),
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete [job-id]",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old terminal jobs from the database",
	RunE:  runJobsPrune,
}

var (
	jobStatus    string
	jobLimit     int
	jobScope     string
	jobNote      string
	keepLast     int
	olderThanDay int
)

func init() {
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsAddCmd, jobsCancelCmd, jobsResetCmd, jobsFailCmd, jobsDeleteCmd, jobsPruneCmd)

	jobsListCmd.Flags().StringVar(&jobStatus, "status", "", "Filter by status (queued, running, blocked, done, failed, cancelled)")
	jobsListCmd.Flags().IntVar(&jobLimit, "limit", 50, "Maximum rows")

	jobsAddCmd.Flags().StringVar(&jobScope, "scope", "", "Target IP or CIDR (required)")
	jobsAddCmd.Flags().StringVar(&jobNote, "note", "", "Free-form note")
	jobsAddCmd.MarkFlagRequired("scope")

	jobsFailCmd.Flags().StringVar(&jobNote, "note", "", "Failure note")

	jobsPruneCmd.Flags().IntVar(&keepLast, "keep-last", 1000, "Terminal jobs to keep")
	jobsPruneCmd.Flags().IntVar(&olderThanDay, "older-than-days", 14, "Delete terminal jobs older than this")
}

func runJobsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(jobLimit))
	if jobStatus != "" {
		q.Set("status", jobStatus)
	}
	resp, err := apiGet("/jobs?" + q.Encode())
	if err != nil {
		return err
	}

	var jobs []models.Job
	if err := json.Unmarshal(resp, &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSCOPE\tSTATUS\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(j.ID), truncate(j.Kind, 28), j.Scope, j.Status, j.UpdatedAt.Local().Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs/" + args[0])
	if err != nil {
		return err
	}
	var job models.Job
	if err := json.Unmarshal(resp, &job); err != nil {
		return err
	}

	fmt.Printf("ID:      %s\n", job.ID)
	fmt.Printf("Kind:    %s\n", job.Kind)
	fmt.Printf("Scope:   %s\n", job.Scope)
	fmt.Printf("Status:  %s\n", job.Status)
	fmt.Printf("Created: %s\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", job.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if job.Note != "" {
		fmt.Printf("Note:\n%s\n", job.Note)
	}
	return nil
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	body := controlplane.EnqueueRequest{Kind: "lan." + args[0], Scope: jobScope, Note: jobNote}
	resp, err := apiPost("/jobs", body)
	if err != nil {
		return err
	}
	var job models.Job
	if err := json.Unmarshal(resp, &job); err != nil {
		return err
	}
	fmt.Printf("Queued job: %s\n", job.ID)
	return nil
}

func jobAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var body interface{}
		if action == "fail" && jobNote != "" {
			body = controlplane.FailRequest{Note: jobNote}
		}
		resp, err := apiPost("/jobs/"+args[0]+"/"+action, body)
		if err != nil {
			return err
		}
		var job models.Job
		if err := json.Unmarshal(resp, &job); err != nil {
			return err
		}
		fmt.Printf("Job %s is now %s\n", truncateID(job.ID), job.Status)
		return nil
	}
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/jobs/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted job %s\n", args[0])
	return nil
}

func runJobsPrune(cmd *cobra.Command, args []string) error {
	s, _, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.PruneJobs(keepLast, olderThanDay)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d jobs\n", n)
	return nil
}
