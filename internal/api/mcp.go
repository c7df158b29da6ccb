package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/seedload/internal/storage"
)

const maxMCPRecords = 200

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing ingestion runs and seed records.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"seedload",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("seedload ingests NDJSON seed files into projects. Use these tools to inspect runs and the records they produced."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Get one ingestion run, including its status (STARTING, RUNNING, COMPLETE, FAILED)."),
			mcp.WithString("run_id", mcp.Description("Run identifier"), mcp.Required()),
		),
		mcpGetRun(deps),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List a project's ingestion runs, newest first."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("list_seed_records",
			mcp.WithDescription("List seed records ingested into a project."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
			mcp.WithString("source_file", mcp.Description("Only records from this uploaded file")),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum number of records (default 50, max %d)", maxMCPRecords))),
		),
		mcpListSeedRecords(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"seedload://runs/recent",
			"Recent Runs",
			mcp.WithResourceDescription("Last 10 ingestion runs across all projects"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentRuns(deps),
	)

	return s
}

func mcpGetRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		run, err := deps.Store.GetRun(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get run: %v", err)), nil
		}
		return mcpJSON(run)
	}
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		limit := req.GetInt("limit", 20)

		runs, err := deps.Store.ListRuns(ctx, projectID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		return mcpJSON(runs)
	}
}

func mcpListSeedRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		sourceFile := req.GetString("source_file", "")
		limit := req.GetInt("limit", 50)
		if limit <= 0 || limit > maxMCPRecords {
			limit = maxMCPRecords
		}

		records, err := deps.Store.ListRecordsByProject(ctx, projectID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list records: %v", err)), nil
		}

		out := make([]storage.SeedRecord, 0, limit)
		for _, rec := range records {
			if sourceFile != "" && rec.SourceFile != sourceFile {
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
		return mcpJSON(out)
	}
}

func mcpResourceRecentRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRecentRuns(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent runs: %w", err)
		}
		if runs == nil {
			runs = []storage.Run{}
		}

		b, err := json.Marshal(runs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
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
