package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/reconpi/internal/policy"
	"github.com/spf13/cobra"
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Inspect the action registry",
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered actions and what policy allows",
	RunE:  runActionsList,
}

var actionsCategory string

func init() {
	actionsCmd.AddCommand(actionsListCmd)
	actionsListCmd.Flags().StringVar(&actionsCategory, "category", "", "Only show one category")
}

func runActionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(cfg, slog.Default())
	if err != nil {
		return err
	}
	pol := policy.NewFromConfig(cfg.Policy)

	specs := registry.All()
	if actionsCategory != "" {
		specs = registry.ByCategory(actionsCategory)
	}
	if len(specs) == 0 {
		fmt.Println("No actions registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tDRIVER\tRISK\tAUTONOMOUS\tPOLICY\tCOMMAND")
	for _, s := range specs {
		verdict := "allowed"
		if d := pol.CheckCategory(s.Category, false); !d.Allowed {
			verdict = d.Reason
		} else if s.AllowAutonomous && pol.CheckCategory(s.Category, true).Allowed {
			verdict = "autonomous"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			s.ID, s.Category, s.Driver, s.Risk, s.AllowAutonomous, verdict, truncate(strings.Join(s.Command, " "), 40))
	}
	return w.Flush()
}
