package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/docinfo"
)

const (
	resultPollInterval = 250 * time.Millisecond
	payloadPreviewLen  = 48
)

func newDocumentCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newSubmitCommand(ctx),
		newStateCommand(ctx),
		newResultCommand(ctx),
		newListCommand(ctx),
		newCancelCommand(ctx),
		newDeleteCommand(ctx),
	}
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		contentType string
		pages       int
		metadata    map[string]string
		wait        bool
		waitTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <document-id> <uri>",
		Short: "Submit an uploaded document for processing",
		Long: "Submit a document for processing. Local paths are sent as file:// URIs with their " +
			"content type and, for PDFs, page count filled in.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SubmitRequest{
				DocumentID:  args[0],
				URI:         args[1],
				ContentType: contentType,
				Pages:       pages,
				Metadata:    metadata,
			}
			if docinfo.IsLocal(req.URI) {
				hints, err := docinfo.Inspect(req.URI)
				if err != nil {
					return fmt.Errorf("inspect %s: %w", req.URI, err)
				}
				req.URI = hints.URI
				if req.ContentType == "" {
					req.ContentType = hints.ContentType
				}
				if req.Pages == 0 {
					req.Pages = hints.Pages
				}
			}
			return ctx.withClient(func(client *api.Client) error {
				state, err := client.Submit(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("submit %s: %w", args[0], err)
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Submitted %s (run %s)\n", state.DocumentID, state.RunID)
				if !wait {
					return nil
				}

				waitCtx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
				defer cancel()
				res, err := awaitResult(waitCtx, client, state.DocumentID)
				if err != nil {
					return err
				}
				fmt.Fprint(stdout, renderResult(res, shouldColorize(stdout)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Media type of the uploaded document")
	cmd.Flags().IntVar(&pages, "pages", 0, "Page count hint")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata entries as key=value")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the run to finish and print the result")
	cmd.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

func newStateCommand(ctx *commandContext) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "state <document-id>",
		Short: "Show the pipeline state of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := parseOutputFormat(format)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				state, err := client.State(cmd.Context(), args[0])
				if err != nil {
					return documentError(args[0], err)
				}
				if handled, err := writeStructured(cmd, outFormat, state); handled {
					return err
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprint(stdout, renderFields(stateFields(*state, false, shouldColorize(stdout))))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json, or yaml")
	return cmd
}

func newResultCommand(ctx *commandContext) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "result <document-id>",
		Short: "Show the processing result of a finished document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := parseOutputFormat(format)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				res, err := client.Result(cmd.Context(), args[0])
				if err != nil {
					return documentError(args[0], err)
				}
				if handled, err := writeStructured(cmd, outFormat, res); handled {
					return err
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprint(stdout, renderResult(res, shouldColorize(stdout)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json, or yaml")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents and their pipeline states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := parseOutputFormat(format)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				states, err := client.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, outFormat, api.ListResponse{Documents: states}); handled {
					return err
				}
				stdout := cmd.OutOrStdout()
				if len(states) == 0 {
					fmt.Fprintln(stdout, "No documents")
					return nil
				}
				colorize := shouldColorize(stdout)
				rows := make([][]string, 0, len(states))
				for _, st := range states {
					rows = append(rows, []string{
						st.DocumentID,
						colorizeState(st.Label, st.State, false, colorize),
						strconv.Itoa(st.Progress) + "%",
						st.UpdatedAt,
						truncate(st.ErrorMessage, payloadPreviewLen),
					})
				}
				fmt.Fprint(stdout, renderTable(
					[]string{"Document", "State", "Progress", "Updated", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only show documents in these states (repeatable or comma-separated)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json, or yaml")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <document-id>",
		Short: "Cancel the active run of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if err := client.Cancel(cmd.Context(), args[0]); err != nil {
					if errors.Is(err, api.ErrConflict) {
						return fmt.Errorf("document %s has no active run", args[0])
					}
					return documentError(args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
				return nil
			})
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete the stored state and result of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if err := client.Delete(cmd.Context(), args[0]); err != nil {
					return documentError(args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

// awaitResult polls until the document's result is stored.
func awaitResult(ctx context.Context, client *api.Client, documentID string) (*api.DocumentResult, error) {
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		res, err := client.Result(ctx, documentID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, api.ErrNotReady) {
			return nil, documentError(documentID, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", documentID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func documentError(documentID string, err error) error {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("document %s not found", documentID)
	case errors.Is(err, api.ErrNotReady):
		return fmt.Errorf("document %s is still processing; check `lectern state %s`", documentID, documentID)
	default:
		return err
	}
}

func stateFields(st api.DocumentState, degraded, colorize bool) [][2]string {
	fields := [][2]string{
		{"Document", st.DocumentID},
		{"Run", st.RunID},
		{"State", colorizeState(st.Label, st.State, degraded, colorize)},
		{"Progress", strconv.Itoa(st.Progress) + "%"},
		{"Started", st.StartedAt},
		{"Updated", st.UpdatedAt},
	}
	if st.ErrorMessage != "" {
		fields = append(fields, [2]string{"Error", st.ErrorMessage})
	}
	return fields
}

func renderResult(res *api.DocumentResult, colorize bool) string {
	var b strings.Builder
	fields := stateFields(res.State, res.Degraded, colorize)
	fields = append(fields, [2]string{"Degraded", yesNo(res.Degraded)})
	b.WriteString(renderFields(fields))

	if len(res.Outputs) > 0 {
		rows := make([][]string, 0, len(res.Outputs))
		for _, out := range res.Outputs {
			rows = append(rows, []string{
				out.Stage,
				yesNo(out.Fallback),
				strconv.Itoa(len(out.Payload)),
				truncate(string(out.Payload), payloadPreviewLen),
			})
		}
		b.WriteString(renderTable(
			[]string{"Stage", "Fallback", "Bytes", "Preview"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		))
	}
	for _, msg := range res.Errors {
		b.WriteString("error: " + msg + "\n")
	}
	return b.String()
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit-1]) + "…"
}
