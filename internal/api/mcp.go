package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/malloy/porter/internal/answer"
	"github.com/malloy/porter/internal/plugin"
	"github.com/malloy/porter/internal/retrieval"
)

// Asker abstracts the answer pipeline for the MCP layer.
type Asker interface {
	Ask(ctx context.Context, sessionID, question, persona string) (answer.Answer, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Asker     Asker
	Retrieval plugin.Retrieval
}

// NewMCPServer creates an MCP server with the porter tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"porter",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("porter — task dispatch and retrieval-grounded answering over a local knowledge base."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question using the indexed knowledge base, with source citations."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Optional session id to group related questions")),
			mcp.WithString("persona", mcp.Description("Optional assistant persona override")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Search the indexed knowledge base and return scored snippets."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Index a document into the knowledge base, optionally split on section headings."),
			mcp.WithString("text", mcp.Description("The document text"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Source label for citations")),
			mcp.WithBoolean("chunk", mcp.Description("Split the text on section headings before indexing")),
		),
		mcpAddDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"porter://status",
			"Knowledge Base Status",
			mcp.WithResourceDescription("Retrieval engine state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		sessionID := req.GetString("session_id", "mcp")
		persona := req.GetString("persona", "")

		ans, err := deps.Asker.Ask(ctx, sessionID, question, persona)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(ans)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		res := deps.Retrieval.Search(ctx, query, limit)
		if !res.OK {
			return mcpError(fmt.Sprintf("search failed: %s", res.Err)), nil
		}

		b, err := json.Marshal(res.Data)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		source := req.GetString("source", "mcp")
		chunk := req.GetBool("chunk", false)

		var docs []plugin.Document
		if chunk {
			docs = retrieval.Chunk(text, source)
		} else {
			docs = []plugin.Document{{Text: text, Source: source}}
		}

		res := deps.Retrieval.Index(ctx, docs, false)
		if !res.OK {
			return mcpError(fmt.Sprintf("index failed: %s", res.Err)), nil
		}
		return mcpText(fmt.Sprintf("Indexed %d documents (%d total)", res.Data.Indexed, res.Data.Total)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res := deps.Retrieval.Status(ctx)
		if !res.OK {
			return nil, fmt.Errorf("status failed: %s", res.Err)
		}
		b, err := json.Marshal(res.Data)
		if err != nil {
			return nil, err
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
