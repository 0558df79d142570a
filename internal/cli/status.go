package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
)

// StatusResult is the output of the status command.
type StatusResult struct {
	engine.Status
	Database string `json:"database"`
}

var stateOrder = []model.SyncState{
	model.StateClean, model.StatePending, model.StateSyncing, model.StateConflicted, model.StateFailed,
}

func (r StatusResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Database:       %s\n", r.Database)
	fmt.Fprintf(w, "Online:         %t\n", r.Online)
	fmt.Fprintf(w, "Queue depth:    %d\n", r.QueueDepth)
	fmt.Fprintf(w, "Open conflicts: %d\n", r.OpenConflicts)
	fmt.Fprintln(w, "Records:")
	for _, st := range stateOrder {
		fmt.Fprintf(w, "  %-11s %d\n", st, r.Records[st])
	}
	if r.LastDrain == nil {
		fmt.Fprintln(w, "Last drain:     never")
		return
	}
	d := r.LastDrain
	fmt.Fprintf(w, "Last drain:     %s (%d succeeded, %d retrying, %d failed, %d conflicts)\n",
		r.LastDrainAt.Format(time.RFC3339), d.Succeeded, d.Retrying, d.Failed, d.Conflicts)
	if d.Halted != "" {
		fmt.Fprintf(w, "                halted: %s\n", d.Halted)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, record and conflict counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return out.Fail("open", err)
			}
			defer s.Close()

			st, err := s.engine.Status(cmd.Context())
			if err != nil {
				return out.Fail("read status", err)
			}
			return out.Success(StatusResult{Status: st, Database: s.cfg.Database})
		},
	}
}
