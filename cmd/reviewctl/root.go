package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/spf13/cobra"
)

// backends is what every subcommand operates on.
type backends struct {
	store store.Store
	queue queue.Backend
	close func() error

	priorityThreshold int
}

// opener connects the backends lazily so --help works without Redis or a database.
type opener func(ctx context.Context) (*backends, error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "reviewctl",
		Short:         "Operate the reviewpipe job store and queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(queueCmd(open))
	root.AddCommand(jobsCmd(open))
	root.AddCommand(keysCmd(open))
	root.AddCommand(submitCmd(open))
	return root
}

// withBackends opens the backends for the duration of fn.
func withBackends(cmd *cobra.Command, open opener, fn func(b *backends) error) error {
	b, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer b.close()
	return fn(b)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
