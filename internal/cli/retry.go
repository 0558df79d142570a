package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
)

// RetryResult is the output of the retry command.
type RetryResult struct {
	Item model.QueueItem `json:"item"`
}

func (r RetryResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Re-queued %s as %s item %d (high priority)\n", r.Item.Key(), r.Item.Operation, r.Item.ID)
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <type/id>",
		Short: "Re-queue a failed record",
		Long: `Re-queue a record that failed terminally. Its current fields are
queued as a high-priority mutation and replayed by the next drain.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			key, err := model.ParseRecordKey(args[0])
			if err != nil {
				return out.Fail("invalid entity", WrapExitError(ExitCommandError, "retry", err))
			}

			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return out.Fail("open", err)
			}
			defer s.Close()

			item, err := s.engine.Retry(cmd.Context(), key.EntityType, key.EntityID)
			if err != nil {
				return out.Fail("retry failed", err)
			}
			return out.Success(RetryResult{Item: item})
		},
	}
}
