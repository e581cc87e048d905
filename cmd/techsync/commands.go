package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"techsync/internal/events"
	"techsync/internal/models"

	"github.com/spf13/cobra"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the offline action queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueDrainCommand(ctx))
	queueCmd.AddCommand(newQueueEnqueueCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending actions in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Actions(cmd.Context())
			if err != nil {
				return err
			}
			if len(resp.Actions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}

			rows := make([][]string, 0, len(resp.Actions))
			for _, a := range resp.Actions {
				rows = append(rows, []string{
					a.ID,
					string(a.Type),
					dash(a.OrderID()),
					strconv.Itoa(a.RetryCount),
					a.Timestamp.Local().Format(time.DateTime),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(actionColumns, rows))
			return nil
		},
	}
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Actions(cmd.Context())
			if err != nil {
				return err
			}
			online, err := client.Connectivity(cmd.Context())
			if err != nil {
				return err
			}

			retrying := 0
			for _, a := range resp.Actions {
				if a.RetryCount > 0 {
					retrying++
				}
			}
			rows := [][]string{
				{"Pending", strconv.Itoa(len(resp.Actions))},
				{"Retrying", strconv.Itoa(retrying)},
				{"Connectivity", onlineLabel(online)},
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(statusColumns, rows))
			return nil
		},
	}
}

func newQueueDrainCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Submit every pending action now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, drainErr := client.Drain(cmd.Context())
			if resp != nil && len(resp.Results) > 0 {
				rows := make([][]string, 0, len(resp.Results))
				for _, r := range resp.Results {
					rows = append(rows, []string{r.ID, resultLabel(r), dash(r.Error)})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(resultColumns, rows))
			} else if drainErr == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
			}
			return drainErr
		},
	}
}

func newQueueEnqueueCommand(ctx *commandContext) *cobra.Command {
	var payloadFile string

	cmd := &cobra.Command{
		Use:   "enqueue TYPE [PAYLOAD]",
		Short: "Queue an action (payload as JSON argument, --file, or - for stdin)",
		Args:  cobra.RangeArgs(1, 2),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) > 0 {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			names := make([]string, 0, len(models.ActionTypes))
			for _, t := range models.ActionTypes {
				names = append(names, string(t))
			}
			return names, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			actionType := strings.ToUpper(strings.TrimSpace(args[0]))
			if !models.ActionType(actionType).Valid() {
				return fmt.Errorf("unknown action type %q", args[0])
			}

			payload, err := readPayload(cmd.InOrStdin(), args[1:], payloadFile)
			if err != nil {
				return err
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}
			id, err := client.Enqueue(cmd.Context(), actionType, payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "Read the JSON payload from a file")
	return cmd
}

func newPullCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Refresh the cached agenda from the remote API",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			res, err := client.Pull(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agenda refreshed: %d entries, %d notifications\n", len(res.Agenda), len(res.Notifications))
			return nil
		},
	}
}

func newAgendaCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "agenda",
		Short: "Show the cached agenda",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			agenda, err := client.Agenda(cmd.Context())
			if err != nil {
				return err
			}
			if len(agenda) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cached agenda")
				return nil
			}

			rows := make([][]string, 0, len(agenda))
			for _, s := range agenda {
				rows = append(rows, []string{s.ID, s.CachedAt.Local().Format(time.DateTime), summarize(s.Data, 60)})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(agendaColumns, rows))
			return nil
		},
	}
}

func newOrderCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "order ID",
		Short: "Show an order detail, from the cache when offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			snap, err := client.Order(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap.Stale {
				fmt.Fprintf(cmd.ErrOrStderr(), "offline copy cached at %s\n", snap.CachedAt.Local().Format(time.DateTime))
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, snap.Data, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
}

func newConnectivityCommand(ctx *commandContext, use string, online bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Tell the agent the network is %s", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.SetConnectivity(cmd.Context(), online)
			if err != nil {
				return err
			}
			state := onlineLabel(resp.Online)
			if resp.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Agent is now %s\n", state)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Agent was already %s\n", state)
			}
			return nil
		},
	}
}

func newEventsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow queue and connectivity events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return client.Stream(cmd.Context(), func(e events.Event) error {
				_, err := fmt.Fprintf(out, "%s  %-22s %s\n", e.CreatedAt.Local().Format(time.TimeOnly), e.Type, string(e.Payload))
				return err
			})
		},
	}
}

func readPayload(stdin io.Reader, args []string, file string) (json.RawMessage, error) {
	var raw []byte
	var err error
	switch {
	case file != "":
		raw, err = os.ReadFile(file)
	case len(args) > 0 && args[0] == "-":
		raw, err = io.ReadAll(stdin)
	case len(args) > 0:
		raw = []byte(args[0])
	default:
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return raw, nil
}

func resultLabel(r models.SyncResult) string {
	switch {
	case r.Success && r.ServerStatus != "" && r.ServerStatus != models.ServerStatusSuccess:
		return "synced (" + strings.ToLower(r.ServerStatus) + ")"
	case r.Success:
		return "synced"
	case r.Permanent:
		return "dropped"
	default:
		return "retry"
	}
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func summarize(raw json.RawMessage, max int) string {
	s := string(raw)
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
