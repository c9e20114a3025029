package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fireframe/internal/app"
	"fireframe/internal/bootstrap"
)

var (
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "fireframe",
	Short: "FireFrame terminal client",
	Long: `fireframe drives a FireFrame backend from the terminal.

FIREFRAME_PROJECT_URL and FIREFRAME_ANON_KEY select the project. Add
FIREFRAME_USE_EMULATOR=true to work against the local emulator instead. The
signed-in session is kept under LOCAL_STORAGE_DIR between runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
}

// session is one opened, started App.
type session struct {
	rt  *bootstrap.Runtime
	app *app.App
}

// openSession loads config, opens the backend and restores the saved
// sign-in.
func openSession(ctx context.Context) (*session, error) {
	rt, err := bootstrap.Init(bootstrap.Options{
		Service:   "fireframe-cli",
		LogOutput: os.Stderr,
		LogLevel:  logLevel,
	})
	if err != nil {
		return nil, err
	}
	a, _, err := rt.OpenApp(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		_ = rt.Close(ctx)
		return nil, err
	}
	return &session{rt: rt, app: a}, nil
}

func (s *session) Close(ctx context.Context) {
	_ = s.app.Close()
	_ = s.rt.Close(ctx)
}

// withSession runs fn against a started App and closes it afterwards.
// SIGINT cancels ctx.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())
	return fn(ctx, s)
}

// requireSignedIn fails unless a user is signed in.
func (s *session) requireSignedIn() error {
	if !s.app.AuthStore.Snapshot().IsAuthenticated {
		return fmt.Errorf("not signed in; run `fireframe auth login` first")
	}
	return nil
}

// printer writes values in the selected output format. Table output goes
// through the table callback; json and yaml encode v directly.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(cmd *cobra.Command) printer {
	return printer{w: cmd.OutOrStdout(), format: outputFormat}
}

func (p printer) print(v any, table func(w *tabwriter.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func (p printer) message(format string, args ...any) {
	if p.format != "table" {
		return
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

func tableHeader(w io.Writer, cols ...string) {
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
