package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/syncqueue"
)

// DrainResult is the output of the drain command.
type DrainResult struct {
	syncqueue.DrainResult
	QueueDepth int `json:"queue_depth"`
}

func (r DrainResult) renderText(w io.Writer, verbose bool) {
	if !r.Ran {
		fmt.Fprintf(w, "Drain skipped: %s (%d queued)\n", r.Halted, r.QueueDepth)
		return
	}
	fmt.Fprintf(w, "Attempted %d: %d succeeded, %d retrying, %d failed, %d conflicts, %d held\n",
		r.Attempted, r.Succeeded, r.Retrying, r.Failed, r.Conflicts, r.Held)
	if r.Halted != "" {
		fmt.Fprintf(w, "Halted: %s\n", r.Halted)
	}
	fmt.Fprintf(w, "%d item(s) still queued\n", r.QueueDepth)
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations once",
		Long: `Replay every queued mutation to the remote once, in priority then
FIFO order. Without a configured remote the drain is skipped as offline.

Exit codes:
  0 - Drain ran or was skipped
  1 - Storage failure`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, rootOpts)
		},
	}
}

func runDrain(cmd *cobra.Command, opts *RootOptions) error {
	out := newFormatter(cmd, opts)

	s, err := openSession(cmd, opts)
	if err != nil {
		return out.Fail("open", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	res, err := s.engine.Drain(ctx)
	if err != nil {
		return out.Fail("drain failed", err)
	}
	if res.Halted == syncqueue.HaltStorageError {
		return out.Fail("drain failed", WrapExitError(ExitFailure, "drain", fmt.Errorf("storage unavailable")))
	}

	queue, err := s.engine.Queue(ctx)
	if err != nil {
		return out.Fail("read queue", err)
	}
	return out.Success(DrainResult{DrainResult: res, QueueDepth: len(queue)})
}
