package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/loykin/watchdog"
)

func createHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of an API token",
		Long: `Print the bcrypt hash of a bearer token. Put the hash in [server].token_hash;
clients then send "Authorization: Bearer <token>" to state-changing endpoints.

Examples:
  watchdog hash-token "$(openssl rand -hex 24)"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHashToken(args[0], cmd.OutOrStdout())
		},
	}
}

func runHashToken(token string, out io.Writer) error {
	h, err := watchdog.HashToken(token)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, h)
	return err
}
