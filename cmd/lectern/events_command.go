package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/results"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var (
		since      uint64
		limit      int
		follow     bool
		documentID string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show progress events",
		Long: "Show buffered progress events. With --follow the command keeps streaming new events; " +
			"combined with --document it exits once that document reaches a terminal state.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := parseOutputFormat(format)
			if err != nil {
				return err
			}
			if outFormat == formatYAML && follow {
				return fmt.Errorf("--format yaml cannot be combined with --follow")
			}
			query := api.EventsQuery{Since: since, Limit: limit, DocumentID: documentID}
			return ctx.withClient(func(client *api.Client) error {
				if !follow {
					resp, err := client.Events(cmd.Context(), query)
					if err != nil {
						return err
					}
					if handled, err := writeStructured(cmd, outFormat, resp); handled {
						return err
					}
					warnTruncated(cmd.ErrOrStderr(), resp)
					return renderEventTable(cmd.OutOrStdout(), resp.Events)
				}
				return followEvents(cmd, client, query, outFormat)
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "Only show events after this sequence number")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum events per fetch (daemon default when zero)")
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "Keep streaming new events")
	cmd.Flags().StringVar(&documentID, "document", "", "Only show events for this document")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json, or yaml")
	return cmd
}

func followEvents(cmd *cobra.Command, client *api.Client, query api.EventsQuery, format outputFormat) error {
	signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)
	query.Follow = true
	for {
		resp, err := client.Events(signalCtx, query)
		if err != nil {
			if signalCtx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		warnTruncated(cmd.ErrOrStderr(), resp)
		for _, evt := range resp.Events {
			if format == formatJSON {
				if err := writeJSON(cmd, evt); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(stdout, formatEventLine(evt, colorize))
			}
			if query.DocumentID != "" && isTerminalState(evt.State) {
				return nil
			}
		}
		query.Since = resp.Next
		if signalCtx.Err() != nil {
			return nil
		}
	}
}

// warnTruncated tells the user that the cursor fell behind the daemon's buffer.
func warnTruncated(out io.Writer, resp *api.EventsResponse) {
	if resp.Truncated {
		fmt.Fprintf(out, "warning: events before sequence %d are no longer buffered\n", resp.Oldest)
	}
}

func renderEventTable(out io.Writer, events []api.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events")
		return nil
	}
	colorize := shouldColorize(out)
	rows := make([][]string, 0, len(events))
	for _, evt := range events {
		rows = append(rows, []string{
			strconv.FormatUint(evt.Sequence, 10),
			evt.Timestamp,
			evt.DocumentID,
			colorizeState(evt.Label, evt.State, evt.Degraded, colorize),
			strconv.Itoa(evt.Progress) + "%",
			truncate(evt.Message, payloadPreviewLen),
		})
	}
	_, err := fmt.Fprint(out, renderTable(
		[]string{"Seq", "Time", "Document", "State", "Progress", "Message"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return err
}

func formatEventLine(evt api.Event, colorize bool) string {
	line := fmt.Sprintf("#%d %s %s %s %d%%", evt.Sequence, evt.Timestamp, evt.DocumentID,
		colorizeState(evt.Label, evt.State, evt.Degraded, colorize), evt.Progress)
	if evt.Message != "" {
		line += " - " + evt.Message
	}
	return line
}

func isTerminalState(state string) bool {
	status, ok := results.ParseStatus(state)
	return ok && status.IsTerminal()
}
