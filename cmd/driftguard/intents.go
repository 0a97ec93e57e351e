package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/driftguard/internal/storage"
)

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "Manage intents and their code links",
}

var intentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List intents",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		tag, _ := cmd.Flags().GetString("tag")
		file, _ := cmd.Flags().GetString("file")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/files/intents?" + url.Values{"path": {file}}.Encode()
		if file == "" {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if tag != "" {
				q.Set("tag", tag)
			}
			path = withQuery("/intents", q)
		}

		intents, err := fetchIntents(cmd.Context(), client, path)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), intents)
		}
		printIntents(cmd.OutOrStdout(), intents)
		return nil
	},
}

var intentsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an intent by hand",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		statement, _ := cmd.Flags().GetString("statement")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		category, _ := cmd.Flags().GetString("category")
		strength, _ := cmd.Flags().GetString("strength")

		if strings.TrimSpace(statement) == "" {
			return fmt.Errorf("--statement is required")
		}
		if title == "" {
			title = statement
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/intents", storage.Intent{
			Title:     title,
			Statement: statement,
			Tags:      tags,
			Category:  category,
			Strength:  strength,
		})
		if err != nil {
			return err
		}
		var created storage.Intent
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Created intent %s", created.ID)
		return nil
	},
}

var intentsLinkCmd = &cobra.Command{
	Use:   "link <intent-id> [file]",
	Short: "Link an intent to a file or line range",
	Long: `Link an intent to a file or line range.

With --conversations the intent is linked to every range its source
conversations wrote, and no file argument is needed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")
		rationale, _ := cmd.Flags().GetString("rationale")
		byConversation, _ := cmd.Flags().GetBool("conversations")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		base := "/intents/" + url.PathEscape(args[0])

		if byConversation {
			resp, err := client.post(cmd.Context(), base+"/link-conversations", nil)
			if err != nil {
				return err
			}
			var links []storage.IntentLink
			if err := decodeJSON(resp, &links); err != nil {
				return err
			}
			printLinks(cmd.OutOrStdout(), links)
			printSuccess("Created %d links", len(links))
			return nil
		}

		if len(args) < 2 {
			return fmt.Errorf("a file is required unless --conversations is set")
		}
		body := map[string]any{"fileUri": args[1]}
		if rationale != "" {
			body["rationale"] = rationale
		}
		if start > 0 {
			body["startLine"] = start
			if end > 0 {
				body["endLine"] = end
			}
		}

		resp, err := client.post(cmd.Context(), base+"/links", body)
		if err != nil {
			return err
		}
		var link storage.IntentLink
		if err := decodeJSON(resp, &link); err != nil {
			return err
		}
		printSuccess("Linked %s to %s", shortID(link.IntentID), linkTarget(link))
		return nil
	},
}

var intentsDeleteCmd = &cobra.Command{
	Use:   "delete <intent-id>",
	Short: "Delete an intent and its links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/intents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted intent %s", args[0])
		return nil
	},
}

var intentsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import intents from a YAML file",
	Long: `Import intents from a YAML file of the form:

  intents:
    - title: Refunds need approval
      statement: Refunds above 100 EUR require manager approval.
      tags: [billing]
      strength: strong`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		intents, err := parseIntentsYAML(f)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, in := range intents {
			resp, err := client.post(cmd.Context(), "/intents", in)
			if err == nil {
				var created storage.Intent
				err = decodeJSON(resp, &created)
			}
			if err != nil {
				failed++
				printWarning("%s: %v", in.Title, err)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d intents failed to import", failed, len(intents))
		}
		printSuccess("Imported %d intents", len(intents))
		return nil
	},
}

var intentsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export intents as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		intents, err := fetchIntents(cmd.Context(), client, "/intents")
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := writeIntentsYAML(w, intents); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d intents to %s", len(intents), output)
		}
		return nil
	},
}

func init() {
	intentsListCmd.Flags().String("status", "", "filter by status (active, superseded, archived)")
	intentsListCmd.Flags().String("tag", "", "filter by tag")
	intentsListCmd.Flags().String("file", "", "show intents linked to this file")
	intentsListCmd.Flags().Bool("json", false, "print JSON")

	intentsAddCmd.Flags().String("title", "", "short title (defaults to the statement)")
	intentsAddCmd.Flags().String("statement", "", "what the code must do")
	intentsAddCmd.Flags().StringSlice("tags", nil, "comma-separated tags")
	intentsAddCmd.Flags().String("category", "", "category, e.g. business_rule or security")
	intentsAddCmd.Flags().String("strength", storage.StrengthMedium, "weak, medium or strong")

	intentsLinkCmd.Flags().Int("start", 0, "first line of the range (whole file if unset)")
	intentsLinkCmd.Flags().Int("end", 0, "last line of the range")
	intentsLinkCmd.Flags().String("rationale", "", "why this code implements the intent")
	intentsLinkCmd.Flags().Bool("conversations", false, "link to the ranges written by the intent's source conversations")

	intentsExportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")

	intentsCmd.AddCommand(intentsListCmd, intentsAddCmd, intentsLinkCmd, intentsDeleteCmd)
	intentsCmd.AddCommand(intentsImportCmd, intentsExportCmd)
}

func fetchIntents(ctx context.Context, client *apiClient, path string) ([]storage.Intent, error) {
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var intents []storage.Intent
	if err := decodeJSON(resp, &intents); err != nil {
		return nil, err
	}
	return intents, nil
}

func printIntents(w io.Writer, intents []storage.Intent) {
	if len(intents) == 0 {
		fmt.Fprintln(w, "No intents found.")
		return
	}
	for _, in := range intents {
		fmt.Fprintf(w, "%s  %s %s\n", colorize(colorCyan, shortID(in.ID)), in.Title, colorize(colorBold, "("+in.Strength+")"))
		fmt.Fprintf(w, "    %s\n", in.Statement)
		if len(in.Tags) > 0 {
			fmt.Fprintf(w, "    tags: %s\n", strings.Join(in.Tags, ", "))
		}
		if in.Status != "" && in.Status != storage.IntentActive {
			fmt.Fprintf(w, "    status: %s\n", in.Status)
		}
	}
}

func printLinks(w io.Writer, links []storage.IntentLink) {
	for _, l := range links {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorCyan, shortID(l.ID)), linkTarget(l))
	}
}

func linkTarget(l storage.IntentLink) string {
	if l.WholeFile() {
		return l.FileURI
	}
	start, end := l.Bounds()
	return fmt.Sprintf("%s:%d-%d", l.FileURI, start, end)
}

type intentsFile struct {
	Intents []storage.Intent `yaml:"intents"`
}

// parseIntentsYAML reads an intents file. Intents without sources are
// recorded as imported.
func parseIntentsYAML(r io.Reader) ([]storage.Intent, error) {
	var doc intentsFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing intents file: %w", err)
	}
	for i := range doc.Intents {
		in := &doc.Intents[i]
		if strings.TrimSpace(in.Statement) == "" {
			return nil, fmt.Errorf("intent %d (%q) has no statement", i+1, in.Title)
		}
		if in.Title == "" {
			in.Title = in.Statement
		}
		if len(in.Sources) == 0 {
			in.Sources = []storage.IntentSource{{SourceType: storage.SourceImport}}
		}
	}
	return doc.Intents, nil
}

func writeIntentsYAML(w io.Writer, intents []storage.Intent) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(intentsFile{Intents: intents}); err != nil {
		return fmt.Errorf("encoding intents: %w", err)
	}
	return enc.Close()
}
