package cli

import (
	"github.com/spf13/cobra"

	"stethkeeper/internal/app"
)

var statusActions int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display persisted strategy state and the withdrawal ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.StatusOptions{
			ActionLimit: statusActions,
		}
		return getApp().Status(cmd.Context(), opts)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusActions, "actions", 10, "Number of recent executed actions to display (requires database)")
}
