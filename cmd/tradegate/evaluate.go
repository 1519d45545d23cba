package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oakline/tradegate/internal/engine"
)

func evaluateCmd(configPath *string) *cobra.Command {
	var (
		employee string
		symbol   string
		tradeTyp string
		shares   int64
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one trade request and print the decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			req, err := app.engine.Submit(cmd.Context(), engine.Submission{
				EmployeeID:  employee,
				Symbol:      symbol,
				TradingType: tradeTyp,
				Shares:      shares,
			})
			if err != nil {
				if engine.IsValidation(err) {
					fmt.Fprintf(os.Stderr, "invalid request: %v\n", err)
					return err
				}
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(req)
		},
	}
	cmd.Flags().StringVar(&employee, "employee", "", "employee identifier")
	cmd.Flags().StringVar(&symbol, "symbol", "", "ticker or ISIN")
	cmd.Flags().StringVar(&tradeTyp, "type", "buy", "trading type: buy|sell")
	cmd.Flags().Int64Var(&shares, "shares", 0, "number of shares")
	cmd.MarkFlagRequired("employee")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("shares")
	return cmd
}
