package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/llmrelay/relay/internal/health"
	"github.com/llmrelay/relay/internal/httpapi"
)

var adminFlags struct {
	window   string
	provider string
	month    string
	types    []string
}

var healthCmd = &cobra.Command{
	Use:   "health [provider]",
	Short: "Show provider health",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showHealth,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show error rate and latency over a window",
	Args:  cobra.NoArgs,
	RunE:  showStats,
}

var spendCmd = &cobra.Command{
	Use:   "spend <credential-id>",
	Short: "Show a client credential's monthly spend",
	Args:  cobra.ExactArgs(1),
	RunE:  showSpend,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers",
	Args:  cobra.NoArgs,
	RunE:  showProviders,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream real-time gateway events",
	Args:  cobra.NoArgs,
	RunE:  streamEvents,
}

func init() {
	rootCmd.AddCommand(healthCmd, statsCmd, spendCmd, providersCmd, eventsCmd)
	statsCmd.Flags().StringVar(&adminFlags.window, "window", "1h", "aggregation window")
	statsCmd.Flags().StringVar(&adminFlags.provider, "provider", "", "restrict to one provider")
	spendCmd.Flags().StringVar(&adminFlags.month, "month", "", "month as YYYY-MM (default current)")
	eventsCmd.Flags().StringSliceVar(&adminFlags.types, "types", nil, "only these event types (request_completed, request_failed, health_change)")
}

func doRequest(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	return http.DefaultClient.Do(req)
}

// getJSON decodes a successful admin API response into v.
func getJSON(ctx context.Context, path string, v any) error {
	resp, err := doRequest(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}
	return json.Unmarshal(data, v)
}

func showHealth(cmd *cobra.Command, args []string) error {
	w := out(cmd)
	if len(args) == 1 {
		var snap health.Snapshot
		if err := getJSON(cmd.Context(), "/admin/v1/health/"+url.PathEscape(args[0]), &snap); err != nil {
			return err
		}
		b, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Fprintln(w, string(b))
		return nil
	}

	var body struct {
		Providers []health.Snapshot `json:"providers"`
	}
	if err := getJSON(cmd.Context(), "/admin/v1/health", &body); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tERROR RATE\tSAMPLES\tAVG LATENCY\tLAST ERROR")
	for _, s := range body.Providers {
		lastErr := "-"
		if s.LastError != nil {
			lastErr = s.LastError.Kind + ": " + s.LastError.Message
			if len(lastErr) > 60 {
				lastErr = lastErr[:57] + "..."
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%d\t%.0fms\t%s\n",
			s.Provider, s.Status, s.ErrorRate*100, s.Samples, s.AvgLatencyMs, lastErr)
	}
	return tw.Flush()
}

func showStats(cmd *cobra.Command, _ []string) error {
	q := url.Values{"window": {adminFlags.window}}
	if adminFlags.provider != "" {
		q.Set("provider", adminFlags.provider)
	}
	var st httpapi.StatsResponse
	if err := getJSON(cmd.Context(), "/admin/v1/stats?"+q.Encode(), &st); err != nil {
		return err
	}
	w := out(cmd)
	fmt.Fprintf(w, "Window:     %s\n", st.Window)
	fmt.Fprintf(w, "Requests:   %d (%d failed, %.1f%%)\n", st.Errors.Total, st.Errors.Failed, st.Errors.Rate*100)
	for kind, n := range st.Errors.ByKind {
		fmt.Fprintf(w, "  %-20s %d\n", kind, n)
	}
	fmt.Fprintf(w, "Latency:    avg %.0fms, min %dms, max %dms over %d requests\n",
		st.Latency.AvgMs, st.Latency.MinMs, st.Latency.MaxMs, st.Latency.Count)
	return nil
}

func showSpend(cmd *cobra.Command, args []string) error {
	path := "/admin/v1/spend/" + url.PathEscape(args[0])
	if adminFlags.month != "" {
		path += "?month=" + url.QueryEscape(adminFlags.month)
	}
	var sp httpapi.SpendResponse
	if err := getJSON(cmd.Context(), path, &sp); err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "%s %s: %s cents\n", sp.CredentialID, sp.Month, sp.Cents.StringFixed(4))
	return nil
}

func showProviders(cmd *cobra.Command, _ []string) error {
	var body struct {
		DefaultTimeoutMs int64                     `json:"default_timeout_ms"`
		Providers        []httpapi.ProviderSummary `json:"providers"`
	}
	if err := getJSON(cmd.Context(), "/admin/v1/providers", &body); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tBASE URL\tAUTH\tTIMEOUT\tSTATUS")
	for _, p := range body.Providers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.BaseURL, p.Auth,
			time.Duration(p.TimeoutMs)*time.Millisecond, p.Status)
	}
	return tw.Flush()
}

func streamEvents(cmd *cobra.Command, _ []string) error {
	path := "/admin/v1/events"
	if len(adminFlags.types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(adminFlags.types, ","))
	}
	resp, err := doRequest(cmd.Context(), path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	w := out(cmd)
	fmt.Fprintln(w, "Streaming events (Ctrl-C to stop)...")
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		payload, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		evt := gjson.Parse(strings.TrimSpace(payload))
		ts := time.Now().Format("15:04:05")
		switch typ := evt.Get("type").String(); typ {
		case "health_change":
			fmt.Fprintf(w, "[%s] %s  provider=%s %s -> %s reason=%s\n", ts, typ,
				evt.Get("provider"), evt.Get("old_state"), evt.Get("new_state"), evt.Get("reason"))
		case "request_failed":
			fmt.Fprintf(w, "[%s] %s  provider=%s model=%s kind=%s error=%s\n", ts, typ,
				evt.Get("provider"), evt.Get("model"), evt.Get("error_kind"), evt.Get("error_msg"))
		case "":
		default:
			fmt.Fprintf(w, "[%s] %s  provider=%s model=%s latency=%dms cost=%s\n", ts, typ,
				evt.Get("provider"), evt.Get("model"), evt.Get("latency_ms").Int(), evt.Get("cost_cents"))
		}
	}
	if err := sc.Err(); err != nil && cmd.Context().Err() == nil {
		return err
	}
	fmt.Fprintln(w, "Event stream closed.")
	return nil
}
