package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/linkgate and returns the process exit code.
// It returns instead of calling os.Exit to keep defers effective.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := NewRootCommand()
	root.SetArgs(args)
	return exitCode(root.ExecuteContext(ctx))
}
