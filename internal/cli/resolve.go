package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
)

// ResolveResult is the output of the resolve command.
type ResolveResult struct {
	Conflict model.Conflict `json:"conflict"`
	Record   model.Record   `json:"record"`
}

func (r ResolveResult) renderText(w io.Writer, verbose bool) {
	c := r.Conflict
	if c.Status == model.ConflictFailed {
		fmt.Fprintf(w, "Conflict %s on %s failed: %s\n", c.ID, c.Key(), c.LastError)
		return
	}
	fmt.Fprintf(w, "Conflict %s on %s resolved with %s\n", c.ID, c.Key(), c.Resolution)
	fmt.Fprintf(w, "Record is %s: %s\n", r.Record.SyncState, renderFields(r.Record.Fields))
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <keep-local|keep-server|merge|custom>",
		Short: "Resolve an open conflict",
		Long: `Resolve an open conflict with an operator choice.

keep-local and custom push the result back to the remote; keep-server
and merge re-read the server version first when the policy asks for it.

Examples:
  offsync resolve 0190f1b2-... keep-server
  offsync resolve 0190f1b2-... custom --data '{"status":"active"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			var custom fields.Object
			if data != "" {
				var err error
				if custom, err = fields.ParseObject([]byte(data)); err != nil {
					return out.Fail("invalid --data", WrapExitError(ExitCommandError, "resolve", err))
				}
			}

			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return out.Fail("open", err)
			}
			defer s.Close()

			ctx := cmd.Context()
			c, err := s.engine.ResolveManually(ctx, args[0], args[1], custom)
			if err != nil {
				return out.Fail("resolve failed", err)
			}
			res := ResolveResult{Conflict: c}
			if res.Record, err = s.engine.Record(ctx, c.EntityType, c.EntityID); err != nil {
				return out.Fail("read record", err)
			}
			if c.Status == model.ConflictFailed {
				_ = out.Success(res)
				e := WrapExitError(ExitFailure, "resolution failed", fmt.Errorf("%s", c.LastError))
				e.Reported = true
				return e
			}
			return out.Success(res)
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "resolved fields as JSON (required for custom)")
	return cmd
}
