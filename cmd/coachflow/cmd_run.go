package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var runParams []string

var runCmd = &cobra.Command{
	Use:   "run <topic>",
	Short: "Execute a single-shot topic and print the structured result",
	Example: `  coachflow run goal_check -p goal="Ship the beta" -p tenant_id=acme
  coachflow run weekly_review -p user_id=ada`,
	Args: cobra.ExactArgs(1),
	RunE: runSingleShot,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Prompt parameter as key=value (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runSingleShot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	params, err := parseParams(runParams)
	if err != nil {
		return err
	}
	if _, ok := params["tenant_id"]; !ok {
		params["tenant_id"] = tenantID
	}
	if _, ok := params["user_id"]; !ok {
		params["user_id"] = userID
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(shutdownCtx)
	}()

	res, err := a.engine.ExecuteSingleShot(ctx, args[0], params, nil)
	if err != nil {
		return err
	}
	return printJSON(res)
}
