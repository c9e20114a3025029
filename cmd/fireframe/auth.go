package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Sign in, sign out and manage passwords",
}

var authSignupCmd = &cobra.Command{
	Use:   "signup <email> <username>",
	Short: "Create an account and sign in",
	Long: `Create an account and sign in.

The password comes from --password or FIREFRAME_PASSWORD.

Examples:
  fireframe auth signup ada@example.com ada --password 'Str0ng!pass'`,
	Args: cobra.ExactArgs(2),
	RunE: runAuthSignup,
}

var authLoginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in with email and password",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the saved session",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

var authResetCmd = &cobra.Command{
	Use:   "reset <email>",
	Short: "Send a password reset link",
	Long: `Send a password reset link.

With --token the reset is completed instead: the token from the link and
the new password (from --password or FIREFRAME_PASSWORD) set the password.

Examples:
  fireframe auth reset ada@example.com
  fireframe auth reset ada@example.com --token eyJhbGciOi... --password 'N3w!pass'`,
	Args: cobra.ExactArgs(1),
	RunE: runAuthReset,
}

var authOAuthCmd = &cobra.Command{
	Use:   "oauth <provider>",
	Short: "Start or finish an OAuth sign-in",
	Long: `Start or finish an OAuth sign-in.

Without --code the consent URL is printed; open it in a browser. After
consent the callback carries code and state; pass them back to finish.

Examples:
  fireframe auth oauth github
  fireframe auth oauth github --code 4/0Ad... --state eyJ...`,
	Args: cobra.ExactArgs(1),
	RunE: runAuthOAuth,
}

func init() {
	for _, c := range []*cobra.Command{authSignupCmd, authLoginCmd, authResetCmd} {
		c.Flags().String("password", "", "password (defaults to $FIREFRAME_PASSWORD)")
	}
	authResetCmd.Flags().String("redirect", "", "where the reset link should land")
	authResetCmd.Flags().String("token", "", "reset token; completes the reset")
	authOAuthCmd.Flags().String("redirect", "", "where to land after consent")
	authOAuthCmd.Flags().String("code", "", "authorization code from the callback")
	authOAuthCmd.Flags().String("state", "", "state from the callback")

	authCmd.AddCommand(authSignupCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authResetCmd)
	authCmd.AddCommand(authOAuthCmd)

	rootCmd.AddCommand(authCmd)
}

func passwordFlag(cmd *cobra.Command) (string, error) {
	pw, _ := cmd.Flags().GetString("password")
	if pw == "" {
		pw = os.Getenv("FIREFRAME_PASSWORD")
	}
	if pw == "" {
		return "", fmt.Errorf("password required: pass --password or set FIREFRAME_PASSWORD")
	}
	return pw, nil
}

func runAuthSignup(cmd *cobra.Command, args []string) error {
	pw, err := passwordFlag(cmd)
	if err != nil {
		return err
	}
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.app.AuthStore.SignUp(ctx, args[0], pw, args[1]); err != nil {
			return err
		}
		return printAuthState(cmd, s)
	})
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	pw, err := passwordFlag(cmd)
	if err != nil {
		return err
	}
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.app.AuthStore.SignIn(ctx, args[0], pw); err != nil {
			return err
		}
		return printAuthState(cmd, s)
	})
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.app.AuthStore.SignOut(ctx); err != nil {
			return err
		}
		newPrinter(cmd).message("Signed out")
		return nil
	})
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		return printAuthState(cmd, s)
	})
}

func runAuthReset(cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("token")
	redirect, _ := cmd.Flags().GetString("redirect")
	var pw string
	if token != "" {
		var err error
		if pw, err = passwordFlag(cmd); err != nil {
			return err
		}
	}
	return withSession(cmd, func(ctx context.Context, s *session) error {
		out := newPrinter(cmd)
		if token != "" {
			if err := s.app.AuthStore.CompletePasswordReset(ctx, token, pw); err != nil {
				return err
			}
			out.message("Password updated for %s", args[0])
			return nil
		}
		if err := s.app.AuthStore.ResetPassword(ctx, args[0], redirect); err != nil {
			return err
		}
		out.message("If %s has an account, a reset link is on its way", args[0])
		return nil
	})
}

func runAuthOAuth(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	state, _ := cmd.Flags().GetString("state")
	redirect, _ := cmd.Flags().GetString("redirect")
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if code != "" {
			if err := s.app.AuthStore.CompleteOAuth(ctx, args[0], code, state); err != nil {
				return err
			}
			return printAuthState(cmd, s)
		}
		url, err := s.app.AuthStore.SignInWithOAuth(ctx, args[0], redirect)
		if err != nil {
			return err
		}
		return newPrinter(cmd).print(map[string]string{"provider": args[0], "url": url}, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "Open this URL to continue:\n%s\n", url)
		})
	})
}

func printAuthState(cmd *cobra.Command, s *session) error {
	st := s.app.AuthStore.Snapshot()
	return newPrinter(cmd).print(st, func(w *tabwriter.Writer) {
		if !st.IsAuthenticated || st.User == nil {
			fmt.Fprintln(w, "Not signed in")
			return
		}
		tableHeader(w, "ID", "USERNAME", "EMAIL", "EXPIRES")
		expires := "-"
		if st.Session != nil {
			expires = st.Session.ExpiresAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.User.ID, st.User.Username, st.User.Email, expires)
	})
}
