package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fentz26/reconpi/internal/lease"
	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and clean resource leases",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "Classify every lock file under the lock root",
	RunE:  runLocksList,
}

var locksPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove stale lock files",
	RunE:  runLocksPrune,
}

var (
	locksDryRun bool
	locksForce  bool
)

func init() {
	locksCmd.AddCommand(locksListCmd, locksPruneCmd)

	locksPruneCmd.Flags().BoolVar(&locksDryRun, "dry-run", false, "Report what would be removed")
	locksPruneCmd.Flags().BoolVar(&locksForce, "force", false, "Also remove locks with missing or unreadable metadata")
}

func openLeases() (*lease.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return lease.NewManager(cfg.LockRoot)
}

func printLocks(infos []lease.LockInfo) {
	if len(infos) == 0 {
		fmt.Println("No locks found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tOWNER\tSTATUS\tPID\tAGE\tREMOVED\tDETAIL")
	for _, l := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n", l.Resource, l.Owner, l.Status, l.PID, l.Age.Round(1e9), l.Removed, l.Detail)
	}
	w.Flush()
}

func runLocksList(cmd *cobra.Command, args []string) error {
	m, err := openLeases()
	if err != nil {
		return err
	}
	infos, err := m.Inspect()
	if err != nil {
		return err
	}
	printLocks(infos)
	return nil
}

func runLocksPrune(cmd *cobra.Command, args []string) error {
	m, err := openLeases()
	if err != nil {
		return err
	}
	infos, err := m.Prune(locksDryRun, locksForce)
	if err != nil {
		return err
	}
	printLocks(infos)
	return nil
}
