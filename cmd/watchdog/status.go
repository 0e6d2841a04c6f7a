package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loykin/watchdog"
	"github.com/loykin/watchdog/pkg/client"
)

// StatusFlags holds flags for the status command
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Output     string
}

// statusView is what the status command renders.
type statusView struct {
	Status      client.Status       `json:"status"`
	Degradation *client.Degradation `json:"degradation,omitempty"`
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running supervisor",
		Long: `Query the status API of a running supervisor ([server] must be enabled).

Examples:
  watchdog status
  watchdog status -o json
  watchdog status --api-url=http://10.0.0.5:8686/api -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), globalFlags.ConfigPath, *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "status API base URL (defaults to [server].listen and base_path)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func runStatus(ctx context.Context, configPath string, flags StatusFlags, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	url := flags.APIUrl
	if url == "" {
		cfg, err := watchdog.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		url = "http://" + cfg.Server.Listen + cfg.Server.BasePath
	}
	c := client.New(client.Config{BaseURL: url, Timeout: flags.APITimeout})

	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("query status at %s: %w", url, err)
	}
	view := statusView{Status: st}
	if d, err := c.Degradation(ctx); err == nil {
		view.Degradation = &d
	}
	return renderStatus(out, view, flags.Output)
}

func renderStatus(out io.Writer, v statusView, format string) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	case "yaml":
		// go through JSON so the keys match the API
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic map[string]any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "", "table":
		renderTable(out, v)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderTable(out io.Writer, v statusView) {
	st := v.Status
	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	table.Append([]string{"Worker", st.Name})
	table.Append([]string{"State", st.State})
	table.Append([]string{"Running", strconv.FormatBool(st.Running)})
	if st.PID > 0 {
		table.Append([]string{"PID", strconv.Itoa(st.PID)})
	}
	if st.RunID != "" {
		table.Append([]string{"Run ID", st.RunID})
	}
	if st.StartedAt != nil {
		table.Append([]string{"Started", st.StartedAt.Format(time.RFC3339)})
	}
	table.Append([]string{"Restarts", fmt.Sprintf("%d/%d", st.Restart.RestartCount, st.Restart.MaxRestarts)})
	if !st.Restart.LastRestartAt.IsZero() {
		table.Append([]string{"Last Restart", st.Restart.LastRestartAt.Format(time.RFC3339)})
	}
	switch {
	case !st.Liveness.Present:
		table.Append([]string{"Liveness", "no record"})
	case st.Liveness.AgeSeconds != nil:
		verdict := "fresh"
		if st.Liveness.Stale {
			verdict = "stale"
		}
		table.Append([]string{"Liveness", fmt.Sprintf("%s (%.1fs ago)", verdict, *st.Liveness.AgeSeconds)})
	}
	if st.Usage != nil {
		table.Append([]string{"CPU", fmt.Sprintf("%.1f%%", st.Usage.CPUPercent)})
		table.Append([]string{"RSS", fmt.Sprintf("%.1f MB", float64(st.Usage.RSSBytes)/(1024*1024))})
	}
	if d := v.Degradation; d != nil {
		mode := d.Mode
		if d.Remaining != nil {
			mode = fmt.Sprintf("%s (%.0fs left)", mode, *d.Remaining)
		}
		table.Append([]string{"Degradation", mode})
		table.Append([]string{"Triggers", strconv.Itoa(d.TriggerCount)})
	}
	table.Render()
}
