package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/clinicchat/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or refresh the stored session",
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, stop, err := startApp(cmd)
		if err != nil {
			return err
		}
		defer stop()

		out := cmd.OutOrStdout()
		cred := a.Session.Current()
		if cred == nil {
			fmt.Fprintln(out, dimStyle.Render("Not logged in."))
			return nil
		}
		remaining := cred.Remaining(time.Now()).Round(time.Second)
		fmt.Fprintf(out, "State:     %s\n", a.Session.State())
		if id := cred.UserID(); id != 0 {
			fmt.Fprintf(out, "User:      %d\n", id)
		}
		fmt.Fprintf(out, "Issued:    %s\n", cred.IssuedAt().Local().Format(time.DateTime))
		fmt.Fprintf(out, "Expires:   %s (in %s)\n", cred.ExpiresAt().Local().Format(time.DateTime), remaining)
		if path := a.Session.StorePath(); path != "" {
			fmt.Fprintln(out, dimStyle.Render("Stored in "+path))
		}
		return nil
	},
}

var sessionRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Exchange the stored token for a fresh one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, stop, err := startApp(cmd)
		if err != nil {
			return err
		}
		defer stop()

		if a.Session.Current() == nil {
			return session.ErrUnauthenticated
		}
		// the notifier reports the outcome
		_, err = a.Session.Refresh(cmd.Context())
		return err
	},
}

func init() {
	sessionCmd.AddCommand(sessionStatusCmd, sessionRefreshCmd)
}
