package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Priority string
}

// EnqueueResult is the output of the enqueue command.
type EnqueueResult struct {
	Item   model.QueueItem `json:"item"`
	Record model.Record    `json:"record"`
}

func (r EnqueueResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Queued %s %s as item %d (%s priority)\n",
		r.Item.Operation, r.Item.Key(), r.Item.ID, r.Item.Priority)
	fmt.Fprintf(w, "Record is %s: %s\n", r.Record.SyncState, renderFields(r.Record.Fields))
	if verbose {
		fmt.Fprintf(w, "Idempotency key: %s\n", r.Item.IdempotencyKey)
	}
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <type/id> [fields-json]",
		Short: "Record a local mutation",
		Long: `Record a local mutation and queue it for replay.

The payload is applied to the local record immediately: create replaces
its fields, update patches them, delete waits for the remote to confirm.

Examples:
  offsync enqueue create inventory_item/bin-7 '{"name":"Bolts","quantity":40}'
  offsync enqueue update inventory_item/bin-7 '{"quantity":38}' --priority high
  offsync enqueue delete inventory_item/bin-7`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Priority, "priority", "normal", "queue priority (high|normal)")
	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions, args []string) error {
	out := newFormatter(cmd, opts.RootOptions)

	op, err := model.ParseOperation(args[0])
	if err != nil {
		return out.Fail("invalid operation", WrapExitError(ExitCommandError, "enqueue", err))
	}
	key, err := model.ParseRecordKey(args[1])
	if err != nil {
		return out.Fail("invalid entity", WrapExitError(ExitCommandError, "enqueue", err))
	}
	priority, err := model.ParsePriority(opts.Priority)
	if err != nil {
		return out.Fail("invalid priority", WrapExitError(ExitCommandError, "enqueue", err))
	}

	payload := fields.Object{}
	if len(args) == 3 {
		if payload, err = fields.ParseObject([]byte(args[2])); err != nil {
			return out.Fail("invalid fields", WrapExitError(ExitCommandError, "enqueue", err))
		}
	}

	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return out.Fail("open", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	item, err := s.engine.Enqueue(ctx, op, key.EntityType, key.EntityID, payload, priority)
	if err != nil {
		return out.Fail("enqueue failed", err)
	}
	rec, err := s.engine.Record(ctx, key.EntityType, key.EntityID)
	if err != nil {
		return out.Fail("read record", err)
	}
	return out.Success(EnqueueResult{Item: item, Record: rec})
}
