package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow"
)

func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := approvalflow.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date.")
			return nil
		},
	}
}
