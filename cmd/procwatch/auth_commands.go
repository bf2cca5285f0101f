package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/pkg/client"
)

type LoginFlags struct {
	Username string
	Password string
}

type HashPasswordFlags struct {
	Cost int
}

// Login exchanges credentials for a token and saves it for later commands
// against the same daemon URL.
func (c *command) Login(ctx context.Context, out io.Writer, f LoginFlags) error {
	if f.Username == "" || f.Password == "" {
		return errors.New("username and password are required")
	}
	ep, err := resolveEndpoint(c.global)
	if err != nil {
		return err
	}
	cl, err := newClient(ep, c.global)
	if err != nil {
		return err
	}
	res, err := cl.Login(ctx, f.Username, f.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if res.Token == nil {
		return errors.New("login failed: no token issued")
	}
	store := newSessionStore(c.global.SessionFile)
	if err := store.Save(&Session{
		Token:     res.Token.Value,
		ExpiresAt: res.Token.ExpiresAt,
		Username:  res.Username,
		Roles:     res.Roles,
		ServerURL: ep.url,
	}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	_, _ = fmt.Fprintf(out, "logged in as %s (expires %s)\n", res.Username, res.Token.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (c *command) Logout(out io.Writer) error {
	if err := newSessionStore(c.global.SessionFile).Clear(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "logged out")
	return nil
}

func (c *command) HashPassword(out io.Writer, password string, f HashPasswordFlags) error {
	h, err := auth.HashPassword(password, f.Cost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, h)
	return nil
}

// applySession hands a saved token to cl when it was issued by the same URL.
func applySession(cl *client.Client, g *GlobalFlags, url string) {
	if g.Token != "" {
		cl.SetToken(g.Token)
		return
	}
	sess, err := newSessionStore(g.SessionFile).Load()
	if err != nil || sess == nil || sess.ServerURL != url {
		return
	}
	cl.SetToken(sess.Token)
}

func createLoginCommand(c *command) *cobra.Command {
	flags := &LoginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to a daemon that requires authentication",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Login(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVarP(&flags.Username, "username", "u", "", "user name")
	cmd.Flags().StringVarP(&flags.Password, "password", "p", "", "password")
	return cmd
}

func createLogoutCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Logout(cmd.OutOrStdout())
		},
	}
}

func createHashPasswordCommand(c *command) *cobra.Command {
	flags := &HashPasswordFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for a [[server.auth.users]] entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(cmd.OutOrStdout(), args[0], *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}
