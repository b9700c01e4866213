package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"naira-ramp/internal/app"
)

var (
	showLimit int
	showOwner string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent journal entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			OwnerAddress: showOwner,
			Limit:        showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of entries to display")
	showCmd.Flags().StringVar(&showOwner, "owner", "", "Filter by owner chain address")
}
