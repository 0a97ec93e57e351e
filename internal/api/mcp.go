package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/driftguard/internal/linker"
	"github.com/kalambet/driftguard/internal/orchestrator"
	"github.com/kalambet/driftguard/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store        *storage.Store
	Orchestrator *orchestrator.Orchestrator
	Linker       *linker.Linker
}

// NewMCPServer creates an MCP server with all driftguard tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"driftguard",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("driftguard keeps code aligned with the intents captured from agent conversations. Run analyze_changes after editing, resolve reported drift, then capture_intents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("analyze_changes",
			mcp.WithDescription("Check changed files against linked intents and report drift events."),
			mcp.WithString("since", mcp.Description("Git revision to diff against (default HEAD)")),
			mcp.WithArray("files", mcp.Description("Explicit files to analyze instead of the VCS change set"), mcp.WithStringItems()),
		),
		mcpAnalyzeChanges(deps),
	)

	s.AddTool(
		mcp.NewTool("capture_intents",
			mcp.WithDescription("Extract intents from agent conversations and store them. Refused while drift events are open."),
			mcp.WithArray("conversation_ids", mcp.Description("Restrict capture to these conversations; each must touch a changed file"), mcp.WithStringItems()),
			mcp.WithBoolean("auto_link", mcp.Description("Link captured intents to the ranges the conversation wrote (default true)")),
		),
		mcpCaptureIntents(deps),
	)

	s.AddTool(
		mcp.NewTool("resolve_drift",
			mcp.WithDescription("Resolve a drift event by dismissing it, marking it a false positive, or rewriting the violated intent."),
			mcp.WithString("event_id", mcp.Description("Drift event id"), mcp.Required()),
			mcp.WithString("action", mcp.Description("Resolution"), mcp.Required(),
				mcp.Enum(string(orchestrator.ActionDismiss), string(orchestrator.ActionFalsePositive), string(orchestrator.ActionUpdateIntent))),
			mcp.WithString("new_statement", mcp.Description("Replacement intent statement, required for update_intent")),
		),
		mcpResolveDrift(deps),
	)

	s.AddTool(
		mcp.NewTool("list_intents",
			mcp.WithDescription("List stored intents, optionally only those linked to a file."),
			mcp.WithString("status", mcp.Description("Filter by status (active, superseded, archived)")),
			mcp.WithString("tag", mcp.Description("Filter by tag")),
			mcp.WithString("file", mcp.Description("Only active intents linked to this file")),
		),
		mcpListIntents(deps),
	)

	s.AddTool(
		mcp.NewTool("list_drifts",
			mcp.WithDescription("List drift events."),
			mcp.WithString("status", mcp.Description("Filter by status (open, acknowledged, resolved, false_positive)")),
			mcp.WithString("file", mcp.Description("Filter by file")),
		),
		mcpListDrifts(deps),
	)

	s.AddTool(
		mcp.NewTool("link_intent",
			mcp.WithDescription("Link an intent to a file or a line range of it."),
			mcp.WithString("intent_id", mcp.Description("Intent id"), mcp.Required()),
			mcp.WithString("file", mcp.Description("File path"), mcp.Required()),
			mcp.WithNumber("start_line", mcp.Description("First line of the range (omit for the whole file)")),
			mcp.WithNumber("end_line", mcp.Description("Last line of the range")),
			mcp.WithString("rationale", mcp.Description("Why the code implements the intent")),
		),
		mcpLinkIntent(deps),
	)

	s.AddTool(
		mcp.NewTool("links_for_range",
			mcp.WithDescription("List the intent links covering a file or a line range of it."),
			mcp.WithString("file", mcp.Description("File path"), mcp.Required()),
			mcp.WithNumber("start_line", mcp.Description("First line of the range (omit for every link on the file)")),
			mcp.WithNumber("end_line", mcp.Description("Last line of the range (default start_line)")),
		),
		mcpLinksForRange(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"driftguard://intents",
			"Intents",
			mcp.WithResourceDescription("All stored intents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceIntents(deps),
	)

	return s
}

func mcpAnalyzeChanges(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Orchestrator.AnalyzeChanges(ctx, orchestrator.AnalyzeOptions{
			Since: req.GetString("since", ""),
			Files: req.GetStringSlice("files", nil),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpCaptureIntents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Orchestrator.CaptureIntents(ctx, orchestrator.CaptureOptions{
			ConversationIDs: req.GetStringSlice("conversation_ids", nil),
			AutoLink:        req.GetBool("auto_link", true),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("capture failed: %v", err)), nil
		}
		if res.Blocked {
			return mcpError(strings.Join(res.Errors, "; ")), nil
		}
		return mcpJSON(res)
	}
}

func mcpResolveDrift(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("event_id")
		if err != nil {
			return mcpError("event_id is required"), nil
		}
		action, err := req.RequireString("action")
		if err != nil {
			return mcpError("action is required"), nil
		}
		ev, err := deps.Orchestrator.ResolveDrift(ctx, id, orchestrator.Action(action), req.GetString("new_statement", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("resolve failed: %v", err)), nil
		}
		return mcpJSON(ev)
	}
}

func mcpListIntents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if file := req.GetString("file", ""); file != "" {
			intents := deps.Linker.IntentsForFile(ctx, file)
			if intents == nil {
				intents = []storage.Intent{}
			}
			return mcpJSON(intents)
		}
		return mcpJSON(deps.Store.ListIntents(storage.IntentFilter{
			Status: req.GetString("status", ""),
			Tag:    req.GetString("tag", ""),
		}))
	}
}

func mcpListDrifts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Store.ListDriftEvents(storage.DriftFilter{
			Status:  req.GetString("status", ""),
			FileURI: req.GetString("file", ""),
		}))
	}
}

func mcpLinkIntent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		intentID, err := req.RequireString("intent_id")
		if err != nil {
			return mcpError("intent_id is required"), nil
		}
		file, err := req.RequireString("file")
		if err != nil {
			return mcpError("file is required"), nil
		}

		var start, end *int
		if v := req.GetInt("start_line", 0); v > 0 {
			start = storage.IntPtr(v)
			if e := req.GetInt("end_line", 0); e > 0 {
				end = storage.IntPtr(e)
			}
		}
		link, err := deps.Linker.CreateUserLink(ctx, intentID, file, start, end, req.GetString("rationale", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("link failed: %v", err)), nil
		}
		return mcpJSON(link)
	}
}

func mcpLinksForRange(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		file, err := req.RequireString("file")
		if err != nil {
			return mcpError("file is required"), nil
		}
		start := req.GetInt("start_line", 0)
		if start <= 0 {
			return mcpJSON(nonNilLinks(deps.Linker.LinksForFile(ctx, file)))
		}
		end := req.GetInt("end_line", start)
		if end < start {
			return mcpError("end_line must not be before start_line"), nil
		}
		return mcpJSON(nonNilLinks(deps.Linker.LinksForRange(ctx, file, start, end)))
	}
}

func nonNilLinks(links []storage.IntentLink) []storage.IntentLink {
	if links == nil {
		return []storage.IntentLink{}
	}
	return links
}

func mcpResourceIntents(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Store.ListIntents(storage.IntentFilter{}))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal intents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
