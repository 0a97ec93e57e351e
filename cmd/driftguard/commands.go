package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/driftguard/internal/config"
	"github.com/kalambet/driftguard/internal/orchestrator"
	"github.com/kalambet/driftguard/internal/storage"
)

// errDriftFound makes `analyze --fail-on-drift` exit non-zero.
var errDriftFound = errors.New("drift detected")

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze [files...]",
	Short: "Check changed files against their linked intents",
	Long: `Check changed files against their linked intents.

Without file arguments the files changed since --since (default HEAD) are
analyzed, including untracked files.

Examples:
  driftguard analyze
  driftguard analyze --since main --fail-on-drift
  driftguard analyze src/billing/refund.ts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		failOnDrift, _ := cmd.Flags().GetBool("fail-on-drift")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(args) > 0 {
			printStep("Analyzing %d files", len(args))
		} else {
			printStep("Analyzing changed files")
		}
		resp, err := client.post(cmd.Context(), "/analyze", orchestrator.AnalyzeOptions{Since: since, Files: args})
		if err != nil {
			return err
		}
		var res orchestrator.AnalyzeResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		printAnalysis(cmd.OutOrStdout(), res)
		if failOnDrift && len(res.Drifts) > 0 {
			return errDriftFound
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("since", "", "git revision to compare against (default HEAD)")
	analyzeCmd.Flags().Bool("fail-on-drift", false, "exit with an error when drift is found")
}

func printAnalysis(w io.Writer, res orchestrator.AnalyzeResult) {
	fmt.Fprintf(w, "Analyzed %d files against %d intents\n", res.FilesAnalyzed, res.IntentsChecked)
	if len(res.Drifts) == 0 {
		fmt.Fprintln(w, colorize(colorGreen, "No drift detected."))
		for _, c := range res.CaptureCandidates {
			name := c.Name
			if name == "" {
				name = c.ID
			}
			fmt.Fprintf(w, "  capture candidate: %s (%s)\n", colorize(colorCyan, name), strings.Join(c.Files, ", "))
		}
		return
	}
	printDrifts(w, res.Drifts)
}

func printDrifts(w io.Writer, events []storage.DriftEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No drift events found.")
		return
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s %s %s:%d-%d  %s\n",
			colorize(colorCyan, shortID(ev.ID)),
			severityLabel(ev.Severity),
			ev.FileURI, ev.Range.StartLine, ev.Range.EndLine,
			ev.Summary,
		)
		if ev.Status != storage.DriftOpen {
			fmt.Fprintf(w, "    status: %s\n", ev.Status)
		}
		if len(ev.IntentIDs) > 0 {
			fmt.Fprintf(w, "    intents: %s\n", strings.Join(ev.IntentIDs, ", "))
		}
		if ev.SuggestedFix != "" {
			fmt.Fprintf(w, "    fix: %s\n", ev.SuggestedFix)
		}
		if a := ev.Attribution; a != nil && a.Contributor != "" {
			fmt.Fprintf(w, "    written by: %s\n", a.Contributor)
		}
	}
}

func severityLabel(s string) string {
	switch s {
	case storage.SeverityError:
		return colorize(colorRed, "[error]")
	case storage.SeverityWarning:
		return colorize(colorYellow, "[warning]")
	default:
		return "[" + s + "]"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Extract intents from agent conversations",
	Long: `Extract intents from agent conversations and store them.

Capture is refused while any drift event is open. Intents are taken from the
conversations that touched currently changed files; --conversation narrows
that set, and an id that touched no changed file is reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, _ := cmd.Flags().GetStringSlice("conversation")
		noLink, _ := cmd.Flags().GetBool("no-link")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Capturing intents")
		resp, err := client.post(cmd.Context(), "/capture", orchestrator.CaptureOptions{ConversationIDs: ids, AutoLink: !noLink})
		if err != nil {
			return err
		}
		res, err := decodeCapture(resp)
		if err != nil {
			return err
		}
		if res.Blocked {
			for _, e := range res.Errors {
				printWarning("%s", e)
			}
			return orchestrator.ErrCaptureBlocked
		}

		for _, in := range res.Intents {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", colorize(colorCyan, shortID(in.ID)), in.Title)
		}
		for _, e := range res.Errors {
			printWarning("%s", e)
		}
		printSuccess("Imported %d intents, created %d links", res.Imported, res.Links)
		return nil
	},
}

func init() {
	captureCmd.Flags().StringSlice("conversation", nil, "conversation id to capture from (repeatable)")
	captureCmd.Flags().Bool("no-link", false, "do not link captured intents to the code the conversation wrote")
}

// decodeCapture accepts the 409 a blocked capture answers with.
func decodeCapture(resp *http.Response) (orchestrator.CaptureResult, error) {
	var res orchestrator.CaptureResult
	if resp.StatusCode == http.StatusConflict {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return res, fmt.Errorf("decoding capture result: %w", err)
		}
		return res, nil
	}
	err := decodeJSON(resp, &res)
	return res, err
}

// --- resolve ---

var resolveCmd = &cobra.Command{
	Use:   "resolve <event-id> <dismiss|false_positive|update_intent>",
	Short: "Resolve a drift event",
	Long: `Resolve a drift event.

  dismiss         acknowledge the drift and keep the intent as is
  false_positive  mark the event as not a real violation
  update_intent   rewrite the violated intent (requires --statement)`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		statement, _ := cmd.Flags().GetString("statement")
		action := orchestrator.Action(args[1])
		if action == orchestrator.ActionUpdateIntent && strings.TrimSpace(statement) == "" {
			return fmt.Errorf("update_intent requires --statement")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/drifts/"+url.PathEscape(args[0])+"/resolve", map[string]string{
			"action":       string(action),
			"newStatement": statement,
		})
		if err != nil {
			return err
		}
		var ev storage.DriftEvent
		if err := decodeJSON(resp, &ev); err != nil {
			return err
		}
		printSuccess("Drift %s is now %s", shortID(ev.ID), ev.Status)
		return nil
	},
}

func init() {
	resolveCmd.Flags().String("statement", "", "new intent statement for update_intent")
}

// --- drifts ---

var driftsCmd = &cobra.Command{
	Use:   "drifts",
	Short: "Inspect drift events",
}

var driftsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drift events",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		file, _ := cmd.Flags().GetString("file")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if file != "" {
			q.Set("file", file)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), withQuery("/drifts", q))
		if err != nil {
			return err
		}
		var events []storage.DriftEvent
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}
		printDrifts(cmd.OutOrStdout(), events)
		return nil
	},
}

func init() {
	driftsListCmd.Flags().String("status", "open", "filter by status (open, acknowledged, resolved, false_positive; empty for all)")
	driftsListCmd.Flags().String("file", "", "filter by file")
	driftsCmd.AddCommand(driftsListCmd)
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
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

		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: fmt.Sprintf(`Set a configuration value in the config file.

Secrets (tokens, API keys, credentials) are read from the environment only.

Keys: %s`, strings.Join(config.ValidKeys(), ", ")),
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
