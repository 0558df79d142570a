package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// ConflictListResult is the output of conflicts list.
type ConflictListResult struct {
	Conflicts []model.Conflict `json:"conflicts"`
}

func (r ConflictListResult) renderText(w io.Writer, verbose bool) {
	if len(r.Conflicts) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return
	}
	re := lipgloss.NewRenderer(w)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "ENTITY", "STATUS", "TYPE", "SEVERITY", "FIELDS", "DETECTED")
	for _, c := range r.Conflicts {
		t.Row(c.ID, c.Key().String(), string(c.Status), string(c.Type),
			severityStyle(re, c.Severity).Render(string(c.Severity)),
			strings.Join(c.DiffFields, ","), c.DetectedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, t.String())
}

// severityStyle colours severities on terminals that support it.
func severityStyle(re *lipgloss.Renderer, s model.Severity) lipgloss.Style {
	st := re.NewStyle()
	switch s {
	case model.SeverityCritical:
		return st.Bold(true).Foreground(lipgloss.Color("9"))
	case model.SeverityHigh:
		return st.Foreground(lipgloss.Color("208"))
	case model.SeverityMedium:
		return st.Foreground(lipgloss.Color("11"))
	}
	return st
}

// ConflictShowResult is the output of conflicts show.
type ConflictShowResult struct {
	Conflict model.Conflict `json:"conflict"`
}

func (r ConflictShowResult) renderText(w io.Writer, verbose bool) {
	c := r.Conflict
	fmt.Fprintf(w, "Conflict %s on %s\n", c.ID, c.Key())
	fmt.Fprintf(w, "  Status:   %s\n", c.Status)
	fmt.Fprintf(w, "  Type:     %s\n", c.Type)
	fmt.Fprintf(w, "  Severity: %s\n", severityStyle(lipgloss.NewRenderer(w), c.Severity).Render(string(c.Severity)))
	fmt.Fprintf(w, "  Fields:   %s\n", strings.Join(c.DiffFields, ", "))
	fmt.Fprintf(w, "  Local:    %s (%s)\n", renderFields(c.LocalData), c.LocalUpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Server:   %s (%s)\n", renderFields(c.ServerData), c.ServerUpdatedAt.Format(time.RFC3339))
	if c.Resolution != "" {
		fmt.Fprintf(w, "  Resolved: %s\n", c.Resolution)
	}
	if c.LastError != "" {
		fmt.Fprintf(w, "  Note:     %s\n", c.LastError)
	}
}

// PurgeResult is the output of conflicts purge.
type PurgeResult struct {
	Purged    int64  `json:"purged"`
	OlderThan string `json:"older_than"`
}

func (r PurgeResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Purged %d closed conflict(s) older than %s\n", r.Purged, r.OlderThan)
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and purge conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsShowCommand(rootOpts))
	cmd.AddCommand(newConflictsPurgeCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		statuses   []string
		entityType string
		open       bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, oldest first",
		Example: `  offsync conflicts list --open
  offsync conflicts list --status failed --type inventory_item`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			filter := store.ConflictFilter{EntityType: entityType}
			if open {
				filter.Statuses = []model.ConflictStatus{model.ConflictPending, model.ConflictManualRequired}
			}
			for _, s := range statuses {
				st, err := parseConflictStatus(s)
				if err != nil {
					return out.Fail("invalid status", WrapExitError(ExitCommandError, "conflicts list", err))
				}
				filter.Statuses = append(filter.Statuses, st)
			}

			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return out.Fail("open", err)
			}
			defer s.Close()

			conflicts, err := s.engine.Conflicts(cmd.Context(), filter)
			if err != nil {
				return out.Fail("list conflicts", err)
			}
			if conflicts == nil {
				conflicts = []model.Conflict{}
			}
			return out.Success(ConflictListResult{Conflicts: conflicts})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending, manual-required, resolved, failed)")
	cmd.Flags().StringVar(&entityType, "type", "", "filter by entity type")
	cmd.Flags().BoolVar(&open, "open", false, "only conflicts awaiting resolution")
	return cmd
}

func newConflictsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show both versions of a conflicted record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return out.Fail("open", err)
			}
			defer s.Close()

			c, err := s.engine.Conflict(cmd.Context(), args[0])
			if err != nil {
				return out.Fail("show conflict", err)
			}
			return out.Success(ConflictShowResult{Conflict: c})
		},
	}
}

func newConflictsPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		olderThan time.Duration
		before    string
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete resolved and failed conflicts older than a cutoff",
		Long: `Delete resolved and failed conflicts detected before a cutoff. Open
conflicts are never purged.

The cutoff is either a duration (--older-than 720h) or a date expression
(--before "2 weeks ago", --before "last monday").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			if before != "" {
				cutoff, err := parseCutoff(before, time.Now())
				if err != nil {
					return out.Fail("invalid --before", WrapExitError(ExitCommandError, "purge", err))
				}
				olderThan = max(time.Since(cutoff), 0)
			}

			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return out.Fail("open", err)
			}
			defer s.Close()

			n, err := s.engine.PurgeResolved(cmd.Context(), olderThan)
			if err != nil {
				return out.Fail("purge conflicts", WrapExitError(ExitCommandError, "purge", err))
			}
			return out.Success(PurgeResult{Purged: n, OlderThan: olderThan.String()})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "only purge conflicts detected before now minus this")
	cmd.Flags().StringVar(&before, "before", "", "only purge conflicts detected before this date expression")
	cmd.MarkFlagsMutuallyExclusive("older-than", "before")
	return cmd
}

// parseCutoff reads a natural-language date ("3 days ago", "last friday")
// relative to now.
func parseCutoff(expr string, now time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", expr, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("no date found in %q", expr)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("%q is in the future", expr)
	}
	return r.Time, nil
}

func parseConflictStatus(s string) (model.ConflictStatus, error) {
	switch st := model.ConflictStatus(s); st {
	case model.ConflictPending, model.ConflictManualRequired, model.ConflictResolved, model.ConflictFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict status %q", s)
}

// renderFields shows a field set as canonical JSON.
func renderFields(o fields.Object) string {
	if o == nil {
		return "{}"
	}
	data, err := fields.MarshalCanonical(o)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}
