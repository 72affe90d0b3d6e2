package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the linkgate CLI. Without a subcommand it serves.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "linkgate",
		Short:         "Multi-session chat gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(serveCmd(), sessionsCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/websocket API and revive persisted sessions",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cmd.Context(), cfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return err
	}
	return a.Run(cmd.Context())
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted session state",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print persisted session ids",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, err := openCLIStore(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = st.Close() }()

				ids, err := st.ListSessionIDs(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "purge <id>",
			Short: "Delete persisted credentials and keys of a session (a running server keeps its live copy)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := openCLIStore(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = st.Close() }()

				if err := st.DeleteSession(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

// openCLIStore opens the configured store with logs on stderr so stdout
// stays machine-readable.
func openCLIStore(cmd *cobra.Command) (*storeHandle, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	return openStore(cmd.Context(), cfg, log, nil)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "linkgate:", err)
	return 1
}
