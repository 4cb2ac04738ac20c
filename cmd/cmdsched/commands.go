package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/cmdsched/internal/config"
	"github.com/kalambet/cmdsched/internal/pipeline"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/task"
)

// parseKeyValues turns repeated key=value flags into a map. Integer values
// stay strings; the server coerces them per parameter.
func parseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <command...>",
	Short: "Run a natural-language command",
	Long: `Run a natural-language command through the pipeline.

Examples:
  cmdsched run "search the Q3 roadmap"
  cmdsched run "summarize the onboarding docs" --context max_length=200
  cmdsched run "Q3 로드맵 검색해서 요약하고 kim@example.com에게 10시에 보내줘"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("context")
		asJSON, _ := cmd.Flags().GetBool("json")

		cmdCtx, err := parseKeyValues(pairs)
		if err != nil {
			return err
		}
		// top_k and max_length must reach the server as numbers.
		for _, k := range []string{"top_k", "max_length"} {
			if s, ok := cmdCtx[k].(string); ok {
				n, err := strconv.Atoi(s)
				if err != nil {
					return fmt.Errorf("--context %s: %w", k, err)
				}
				cmdCtx[k] = n
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body := map[string]any{"query": strings.Join(args, " ")}
		if len(cmdCtx) > 0 {
			body["context"] = cmdCtx
		}
		resp, err := client.post(cmd.Context(), "/v1/commands", body)
		if err != nil {
			return err
		}

		var out pipeline.Response
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), out)
		}
		printResponse(cmd.OutOrStdout(), out)
		return nil
	},
}

func printResponse(w io.Writer, r pipeline.Response) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Intent:"), r.Intent)
	fmt.Fprintln(w, r.ResponseText)
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "%s %s\n", colorize(colorYellow, "warning:"), warn)
	}
	if r.Summary != "" {
		fmt.Fprintf(w, "\n%s\n%s\n", colorize(colorBold, "Summary"), r.Summary)
	}
	if len(r.SearchResults) > 0 && r.Summary == "" {
		fmt.Fprintln(w)
		printItems(w, r.SearchResults)
	}
	for _, a := range r.ScheduledActions {
		at := "now"
		if a.ScheduledAt != nil {
			at = a.ScheduledAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s %s %s to %s at %s\n",
			colorize(colorCyan, "scheduled"), a.ID, a.Kind, a.Params.String("to"), at)
	}
}

func printItems(w io.Writer, items []retrieval.RetrievedItem) {
	for i, it := range items {
		fmt.Fprintf(w, "%s [score: %.3f, %s]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), it.Score, it.SourceKind)
		fmt.Fprintf(w, "  %s\n", truncateText(it.Content, 500))
	}
}

func init() {
	runCmd.Flags().StringArray("context", nil, "context override as key=value (top_k, max_length, subject)")
	runCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Semantic search over indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/search", map[string]any{
			"query": strings.Join(args, " "),
			"top_k": limit,
		})
		if err != nil {
			return err
		}

		var out struct {
			Results []retrieval.RetrievedItem `json:"results"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out.Results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
			return nil
		}
		printItems(cmd.OutOrStdout(), out.Results)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule <action_type>",
	Short: "Schedule an action directly",
	Long: `Schedule an email, summarize, notify or index action.

Examples:
  cmdsched schedule email --param to=kim@example.com --param subject=Hi --param body=Hello --in 1h
  cmdsched schedule notify --param message="stand-up in 5" --at 2026-04-01T09:55:00+09:00`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("param")
		at, _ := cmd.Flags().GetString("at")
		in, _ := cmd.Flags().GetDuration("in")

		kind, err := task.ParseKind(args[0])
		if err != nil {
			return err
		}
		params, err := parseKeyValues(pairs)
		if err != nil {
			return err
		}
		if at != "" && in != 0 {
			return fmt.Errorf("--at and --in are mutually exclusive")
		}

		body := map[string]any{"action_type": kind, "parameters": params}
		switch {
		case at != "":
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			body["scheduled_time"] = t
		case in != 0:
			body["scheduled_time"] = time.Now().Add(in)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/actions", body)
		if err != nil {
			return err
		}
		var action task.Action
		if err := decodeJSON(resp, &action); err != nil {
			return err
		}
		printSuccess("Scheduled %s task %s", action.Kind, action.ID)
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringArray("param", nil, "action parameter as key=value")
	scheduleCmd.Flags().String("at", "", "run at this RFC 3339 time")
	scheduleCmd.Flags().Duration("in", 0, "run after this delay")
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and cancel scheduled actions",
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a task's status report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/actions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rep task.Report
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}
		if kind != "" {
			q.Set("action_type", kind)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/actions?"+q.Encode())
		if err != nil {
			return err
		}
		var reports []task.Report
		if err := decodeJSON(resp, &reports); err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}
		for _, r := range reports {
			when := r.CreatedAt.Local().Format("2006-01-02 15:04")
			if r.ScheduledAt != nil {
				when = r.ScheduledAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %-10s  %s  attempts=%d\n",
				colorize(colorCyan, r.TaskID), r.Kind, statusLabel(r.Status), when, r.Attempts)
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or retrying task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/actions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var action task.Action
		if err := decodeJSON(resp, &action); err != nil {
			return err
		}
		printSuccess("Cancelled task %s", action.ID)
		return nil
	},
}

func init() {
	taskListCmd.Flags().String("status", "", "filter by status")
	taskListCmd.Flags().String("type", "", "filter by action type")
	taskListCmd.Flags().Int("limit", 20, "maximum number of tasks to list")
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index a document for search",
	Long: `Index a document for search.

Examples:
  cmdsched ingest --text "Q3 roadmap: ship the scheduler" --title Roadmap
  cmdsched ingest --url https://example.com/article
  cmdsched ingest --file ./report.pdf
  cmdsched ingest --file ./whiteboard.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		kind, _ := cmd.Flags().GetString("kind")

		set := 0
		for _, s := range []string{text, link, file} {
			if s != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("exactly one of --text, --url, or --file is required")
		}

		req := map[string]any{"source": "cli"}
		if title != "" {
			req["title"] = title
		}
		if kind != "" {
			req["source_kind"] = kind
		}

		switch {
		case text != "":
			req["content"] = text
		case link != "":
			req["url"] = link
			delete(req, "source")
		default:
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			switch ext := strings.ToLower(filepath.Ext(file)); ext {
			case ".pdf":
				req["content_base64"] = base64.StdEncoding.EncodeToString(data)
			case ".png", ".jpg", ".jpeg", ".gif", ".webp":
				req["content_base64"] = base64.StdEncoding.EncodeToString(data)
				req["content_type"] = mime.TypeByExtension(ext)
			case ".html", ".htm":
				req["content"] = string(data)
				req["format"] = "html"
			default:
				req["content"] = string(data)
			}
			req["source"] = file
			if title == "" {
				req["title"] = filepath.Base(file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/documents", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued doc %s", result["id"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to index")
	ingestCmd.Flags().String("url", "", "URL to fetch and index")
	ingestCmd.Flags().String("file", "", "file to index (.pdf, .html, an image or plain text)")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("kind", "", "source kind: document, text or image")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nKeys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
