// Package cli implements quotectl, the operator command line for a running
// quotedesk server.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Output formats.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// RootOptions holds global CLI flags.
type RootOptions struct {
	ServerAddr string
	Token      string
	Output     string
	Timeout    time.Duration
}

type optionsKey struct{}

// NewRootCommand creates the quotectl root command with its subcommands.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "quotectl",
		Short:   "Operate motor insurance quotations on a quotedesk server",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Output != OutputText && opts.Output != OutputJSON {
				return fmt.Errorf("unsupported output format %q", opts.Output)
			}
			if opts.Token == "" {
				opts.Token = os.Getenv("QUOTEDESK_TOKEN")
			}
			cmd.SetContext(context.WithValue(cmd.Context(), optionsKey{}, opts))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ServerAddr, "server", "http://localhost:8080", "quotedesk server address")
	pf.StringVar(&opts.Token, "token", "", "bearer token (default: $QUOTEDESK_TOKEN)")
	pf.StringVarP(&opts.Output, "output", "o", OutputText, "output format (text, json)")
	pf.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(newBreakdownCmd(), newCalculateCmd())
	return cmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func optionsFrom(cmd *cobra.Command) *RootOptions {
	if opts, ok := cmd.Context().Value(optionsKey{}).(*RootOptions); ok {
		return opts
	}
	return &RootOptions{Output: OutputText, Timeout: 30 * time.Second}
}

func clientFrom(cmd *cobra.Command) (*Client, *RootOptions) {
	opts := optionsFrom(cmd)
	return NewClient(opts.ServerAddr, opts.Token, opts.Timeout), opts
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
