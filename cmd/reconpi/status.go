package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fentz26/reconpi/internal/controlplane"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health, core state and job counts",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health == nil {
		return err
	}
	fmt.Printf("Daemon:  %s (db %s, version %s)\n", apiAddr, health.DB, health.Version)
	if err != nil {
		return err
	}

	resp, err := apiGet("/status")
	if err != nil {
		return err
	}
	var st controlplane.Status
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}
	if st.Core != nil {
		fmt.Printf("State:   %s since %s", st.Core.State, st.Core.Since.Local().Format("2006-01-02 15:04:05"))
		if st.Core.Note != "" {
			fmt.Printf(" (%s)", st.Core.Note)
		}
		fmt.Println()
	}
	fmt.Printf("Schema:  v%d\n", st.SchemaVersion)

	statuses := make([]string, 0, len(st.Jobs))
	for s := range st.Jobs {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Print("Jobs:   ")
	for _, s := range statuses {
		fmt.Printf(" %s=%d", s, st.Jobs[models.JobStatus(s)])
	}
	fmt.Println()
	for _, l := range st.Leases {
		fmt.Printf("Lease:   %s held by %s (ttl %.0fs)\n", l.Resource, l.Owner, l.TTL)
	}
	return nil
}
