package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malloy/porter/internal/answer"
	"github.com/malloy/porter/internal/config"
	"github.com/malloy/porter/internal/dispatch"
	"github.com/malloy/porter/internal/plugin"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question against the knowledge base",
	Long: `Ask a question against the knowledge base.

Examples:
  porter ask "how long do refunds take?"
  porter ask --session billing-review "what did we decide about invoices?"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		persona, _ := cmd.Flags().GetString("persona")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/answer", map[string]any{
			"sessionId": session,
			"question":  args[0],
			"persona":   persona,
		})
		if err != nil {
			return err
		}

		var ans answer.Answer
		if err := decodeJSON(resp, &ans); err != nil {
			return err
		}

		fmt.Println(ans.FinalText)
		if len(ans.Citations) > 0 {
			fmt.Println()
			for _, c := range ans.Citations {
				fmt.Printf("  [%d] %s\n", c.Ref, c.Source)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "session id to group related questions")
	askCmd.Flags().String("persona", "", "assistant persona override")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/search?q=" + url.QueryEscape(args[0])
		if limit > 0 {
			path += fmt.Sprintf("&limit=%d", limit)
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var body struct {
			Results []plugin.SearchSnippet `json:"results"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Results) == 0 {
			printWarning("No results")
			return nil
		}
		for _, r := range body.Results {
			fmt.Printf("%s %s\n", colorize(colorBold, fmt.Sprintf("[%.2f]", r.Score)), r.Source)
			fmt.Printf("    %s\n", r.Text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index content into the knowledge base",
	Long: `Index content into the knowledge base.

Examples:
  porter index --text "Refunds are processed within five business days." --source billing
  porter index --file ./handbook.md --chunk
  porter index --file ./manual.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		source, _ := cmd.Flags().GetString("source")
		chunk, _ := cmd.Flags().GetBool("chunk")
		replace, _ := cmd.Flags().GetBool("replace")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		req := map[string]any{
			"chunk":   chunk,
			"replace": replace,
		}

		switch {
		case text != "":
			req["content"] = text
			if source == "" {
				source = "cli"
			}
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			switch strings.ToLower(filepath.Ext(file)) {
			case ".pdf":
				req["content"] = base64.StdEncoding.EncodeToString(data)
				req["format"] = "pdf"
			case ".html", ".htm":
				req["content"] = string(data)
				req["format"] = "html"
			default:
				req["content"] = string(data)
			}
			if source == "" {
				source = filepath.Base(file)
			}
		}
		req["source"] = source

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/documents", req)
		if err != nil {
			return err
		}

		var stats plugin.IndexStats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printSuccess("Indexed %d documents (%d total)", stats.Indexed, stats.Total)
		return nil
	},
}

func init() {
	indexCmd.Flags().String("text", "", "text content to index")
	indexCmd.Flags().String("file", "", "file path to index (pdf and html are extracted)")
	indexCmd.Flags().String("source", "", "source label for citations")
	indexCmd.Flags().Bool("chunk", false, "split content on section headings")
	indexCmd.Flags().Bool("replace", false, "replace the whole index instead of appending")
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/sessions")
		if err != nil {
			return err
		}

		var body struct {
			Sessions []plugin.Session `json:"sessions"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Sessions) == 0 {
			printWarning("No sessions")
			return nil
		}
		for _, s := range body.Sessions {
			state := "open"
			if s.EndedAt != nil {
				state = "ended"
			}
			fmt.Printf("  %s  %s  started %s\n", s.SessionID, state, s.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/sessions/"+args[0]+"/end", nil)
		if err != nil {
			return err
		}

		var sess plugin.Session
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}

		printSuccess("Ended session %s", sess.SessionID)
		return nil
	},
}

var sessionsMessagesCmd = &cobra.Command{
	Use:   "messages <session-id>",
	Short: "Show the transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/sessions/" + args[0] + "/messages")
		if err != nil {
			return err
		}

		var body struct {
			Messages []plugin.Message `json:"messages"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		for _, m := range body.Messages {
			fmt.Printf("%s %s\n", colorize(colorBold, m.Role+":"), m.Text)
		}
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
	sessionsCmd.AddCommand(sessionsMessagesCmd)
}

// --- backends ---

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Manage task execution backends",
}

var backendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/backends")
		if err != nil {
			return err
		}

		var defs []dispatch.Definition
		if err := decodeJSON(resp, &defs); err != nil {
			return err
		}

		if len(defs) == 0 {
			printWarning("No backends registered")
			return nil
		}
		for _, d := range defs {
			fmt.Printf("  %s  %s  runtime=%s", colorize(colorBold, d.ID), d.Type, d.Runtime)
			if d.Version != "" {
				fmt.Printf("  v%s", d.Version)
			}
			fmt.Println()
		}
		return nil
	},
}

var backendsRegisterCmd = &cobra.Command{
	Use:   "register <definition.json>",
	Short: "Register a backend from a JSON definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading definition: %w", err)
		}
		var def dispatch.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parsing definition: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/backends", def)
		if err != nil {
			return err
		}

		var registered dispatch.Definition
		if err := decodeJSON(resp, &registered); err != nil {
			return err
		}

		printSuccess("Registered backend %s (%s)", registered.ID, registered.Runtime)
		return nil
	},
}

func init() {
	backendsCmd.AddCommand(backendsListCmd)
	backendsCmd.AddCommand(backendsRegisterCmd)
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
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
	Short: "Reset a configuration value to its default",
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
