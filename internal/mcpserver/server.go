// Package mcpserver exposes the engine as Model Context Protocol tools so
// assistants can push conversation notes into the CRM.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/scrypster/crmsync/internal/engine"
	"github.com/scrypster/crmsync/internal/schema"
)

// Engine is the part of *engine.Engine the tools use.
type Engine interface {
	ProcessText(ctx context.Context, text string) *engine.ProcessResult
	InitializeSchema(ctx context.Context) (*schema.Snapshot, error)
}

// New creates an MCP server with the crmsync tools registered.
func New(eng Engine, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"crmsync",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("crmsync turns meeting notes, emails and call summaries into CRM records."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("process_text",
			mcp.WithDescription("Extract companies, people, deals and follow-up tasks from business text and create or update them in the CRM."),
			mcp.WithString("text", mcp.Description("Free-form business text such as meeting notes"), mcp.Required()),
		),
		processText(eng),
	)

	s.AddTool(
		mcp.NewTool("schema_info",
			mcp.WithDescription("Discover the CRM schema and list its objects with attribute counts."),
		),
		schemaInfo(eng),
	)

	return s
}

func processText(eng Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return toolError("text is required"), nil
		}

		res := eng.ProcessText(ctx, text)
		if !res.Success {
			return toolError(fmt.Sprintf("processing failed: %s", res.Error)), nil
		}
		return toolJSON(res)
	}
}

func schemaInfo(eng Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := eng.InitializeSchema(ctx)
		if err != nil {
			return toolError(fmt.Sprintf("schema discovery failed: %v", err)), nil
		}
		return toolJSON(snap)
	}
}

func toolJSON(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return toolText(string(data)), nil
}

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
