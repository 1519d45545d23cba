package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func detectCmd(configPath *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Scan trade history for 30-day holding-period violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			summary, flags, err := app.detector.Run(cmd.Context(), dryRun)
			if err != nil {
				return err
			}

			for _, f := range flags {
				fmt.Printf("FLAG %s %s %s: %s\n", f.RequestID, f.EmployeeID, f.Symbol, f.Reason)
			}
			mode := "applied"
			if dryRun {
				mode = "dry-run"
			}
			fmt.Printf("scanned=%d flagged=%d errors=%d (%s)\n",
				summary.Scanned, summary.Flagged, summary.Errors, mode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print would-be flags without mutating state")
	return cmd
}
