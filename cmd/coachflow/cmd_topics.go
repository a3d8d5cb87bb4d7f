package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/coachflow/internal/topic"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the topics in the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		catalog, err := topic.LoadCatalog(cfg.Topics)
		if err != nil {
			return err
		}

		topics := catalog.List()
		if len(topics) == 0 {
			fmt.Println("No topics configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tACTIVE\tMODEL\tMAX TURNS\tIDLE")
		for _, t := range topics {
			mode := fmt.Sprintf("%d", t.MaxTurns)
			if t.ResponseSchema() != nil && t.MaxTurns == 0 {
				mode = "single-shot"
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%dm\n",
				t.ID, t.Name, t.Active, t.Model, mode, t.IdleTimeoutMinutes)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(topicsCmd)
}
