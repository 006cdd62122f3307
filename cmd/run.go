package cmd

import (
	"log"

	"github.com/clubcord/doorman/doorman"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Doorman bot, API and membership scheduler",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			d, err := doorman.New(cfg)
			if err != nil {
				log.Fatalf("error creating doorman: %s", err.Error())
			}

			if err = d.Run(ctx); err != nil {
				log.Fatalf("error running doorman: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
