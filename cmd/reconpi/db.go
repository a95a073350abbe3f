package main

import (
	"fmt"

	"github.com/fentz26/reconpi/internal/store"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDBMigrate,
}

var dbVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied schema version",
	RunE:  runDBVersion,
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd, dbVersionCmd)
}

// Opening the store applies migrations, so migrate only has to open it.
func runDBMigrate(cmd *cobra.Command, args []string) error {
	s, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	fmt.Printf("%s migrated to schema version %d\n", cfg.DBPath, v)
	return nil
}

func runDBVersion(cmd *cobra.Command, args []string) error {
	s, _, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d (latest %d, app %s)\n", v, store.LatestSchemaVersion(), store.AppVersion)
	return nil
}
