package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/graphsync/internal/engine"
	"github.com/roach88/graphsync/internal/validation"
)

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	File           string
	WaitValidation bool
}

// PushOutput is the result printed by push and replay.
type PushOutput struct {
	SessionID         string             `json:"session_id"`
	Commands          int                `json:"commands"`
	EntryIDs          []int64            `json:"entry_ids"`
	Watermark         time.Time          `json:"watermark"`
	WatermarkAdvanced bool               `json:"watermark_advanced"`
	Validation        *validation.Report `json:"validation,omitempty"`
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push local changes to the central store",
		Long: `Submit the changes listed in a change file and push them to the central
store in one transaction.

If any change fails, the whole batch is rolled back. The staged copies stay
in the change cache marked failed and can be pushed again with "replay".

Exit codes:
  0 - Batch committed
  1 - Batch aborted
  2 - Command error (bad change file, store unreachable, etc.)

Examples:
  graphsync push --file changes.yaml
  graphsync push --file changes.yaml --session alice-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML change file (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().BoolVar(&opts.WaitValidation, "wait-validation", false, "wait for post-push validation and print its report")

	return cmd
}

func runPush(opts *PushOptions, cmd *cobra.Command) error {
	changes, err := LoadChangeFile(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid change file", err)
	}

	f := formatter(cmd, opts.RootOptions)
	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *runtime) error {
		if err := submitChanges(rt.engine, changes); err != nil {
			return WrapExitError(ExitCommandError, "invalid change", err)
		}
		f.VerboseLog("pushing %d changes as %s", len(rt.engine.Pending()), rt.SessionID())

		res, err := rt.engine.Push(ctx)
		if err != nil {
			return reportFailure(f, "push failed", err)
		}

		out := pushOutput(rt, res)
		if opts.WaitValidation && rt.validator != nil {
			rt.sup.Wait()
			if report, ok := rt.validator.Last(); ok {
				out.Validation = &report
			}
		}
		if f.Format == "json" {
			return f.Success(out)
		}
		writePushText(cmd.OutOrStdout(), "pushed", out)
		return nil
	})
}

func pushOutput(rt *runtime, res engine.PushResult) PushOutput {
	ids := res.EntryIDs
	if ids == nil {
		ids = []int64{}
	}
	return PushOutput{
		SessionID:         rt.SessionID(),
		Commands:          res.Commands,
		EntryIDs:          ids,
		Watermark:         res.Watermark,
		WatermarkAdvanced: res.WatermarkAdvanced,
	}
}

func writePushText(w io.Writer, verb string, out PushOutput) {
	if out.Commands == 0 {
		fmt.Fprintf(w, "No changes %s for session %s.\n", verb, out.SessionID)
		return
	}
	fmt.Fprintf(w, "%s %d command(s) as session %s\n", verb, out.Commands, out.SessionID)
	ids := make([]string, len(out.EntryIDs))
	for i, id := range out.EntryIDs {
		ids[i] = fmt.Sprint(id)
	}
	fmt.Fprintf(w, "  entries:   %s\n", strings.Join(ids, ", "))
	if out.WatermarkAdvanced {
		fmt.Fprintf(w, "  watermark: %s\n", out.Watermark.Format(time.RFC3339Nano))
	} else {
		fmt.Fprintln(w, "  watermark: held back (remote changes not yet pulled)")
	}
	if v := out.Validation; v != nil {
		fmt.Fprintf(w, "  validation: %s (%d issue(s), %d affected)\n", v.Worst, len(v.Issues), len(v.Affected))
	}
}
