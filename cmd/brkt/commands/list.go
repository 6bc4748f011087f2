package commands

import (
	"fmt"

	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/output"
	"github.com/spf13/cobra"
)

var (
	listStatus string
	listOutput string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded encryption sessions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only show sessions with this status (pending, running, complete, failed, cleaned)")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", string(output.FormatTable), "Output format (table, yaml, json)")
}

func runList(cmd *cobra.Command, args []string) error {
	formatter, err := output.NewFormatter(listOutput)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	sessions, err := repo.List(cmd.Context(), listStatus)
	if err != nil {
		return err
	}
	out, err := formatter.FormatSessions(sessions)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
