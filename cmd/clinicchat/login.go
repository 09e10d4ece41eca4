package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginUsername string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session on this machine and on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, stop, err := startApp(cmd)
		if err != nil {
			return err
		}
		defer stop()
		if err := a.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "username or email")
}

func runLogin(cmd *cobra.Command, args []string) error {
	username := strings.TrimSpace(loginUsername)
	if username == "" {
		return errors.New("--username is required")
	}
	password, err := readPassword(cmd)
	if err != nil {
		return err
	}

	a, stop, err := startApp(cmd)
	if err != nil {
		return err
	}
	defer stop()

	resp, err := a.Login(cmd.Context(), username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	cred := a.Session.Current()
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, okStyle.Render("Logged in as "+username))
	if cred != nil {
		fmt.Fprintln(out, dimStyle.Render("Session valid until "+cred.ExpiresAt().Local().Format(time.DateTime)))
	}
	if resp.ActiveClinicID != nil {
		fmt.Fprintf(out, "Active clinic: %d\n", *resp.ActiveClinicID)
	}
	return nil
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise.
func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
