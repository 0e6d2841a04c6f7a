package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/loykin/watchdog/internal/degrade"
)

// ClassifyFlags holds flags for the classify command
type ClassifyFlags struct {
	Status  int
	Message string
}

func createClassifyCommand() *cobra.Command {
	flags := &ClassifyFlags{}
	cmd := &cobra.Command{
		Use:   "classify [message]",
		Short: "Show how a failure would be classified",
		Long: `Run the degradation classifier on a status code and message. Nothing is
activated; the command only prints the verdict.

Examples:
  watchdog classify --status=429 "Too Many Requests"
  watchdog classify "Error 1015: You are being rate limited"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.Message = args[0]
			}
			return runClassify(*flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&flags.Status, "status", 0, "upstream status code (0 for none)")
	cmd.Flags().StringVar(&flags.Message, "message", "", "failure message")
	return cmd
}

func runClassify(flags ClassifyFlags, out io.Writer) error {
	if flags.Status == 0 && flags.Message == "" {
		return fmt.Errorf("a message or --status is required")
	}
	action := degrade.Classify(degrade.Signal{Status: flags.Status, Message: flags.Message})
	_, err := fmt.Fprintln(out, action.String())
	return err
}
