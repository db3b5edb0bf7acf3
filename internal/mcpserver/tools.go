// Package mcpserver registers MCP tools that expose the draw cache and
// sync controls. It adapts the orchestrator and admin packages to the MCP
// SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/admin"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultRecordLimit caps draw_records when no limit is given.
const defaultRecordLimit = 50

// Engine is the orchestrator surface the tools use.
type Engine interface {
	GetRecords(ctx context.Context, collection string, limit int) []models.Record
	Status() models.SyncStatus
	PerformIncrementalSync(ctx context.Context) models.SyncResult
	ForceSync(ctx context.Context) models.SyncResult
}

// Editor is the administrative surface the tools use.
type Editor interface {
	Put(ctx context.Context, r models.Record) (admin.PutResult, error)
	Delete(ctx context.Context, collection string, date time.Time) (bool, error)
}

// RegisterTools adds all draw tools to the given MCP server. Write tools
// are only registered when ed is non-nil.
func RegisterTools(server *mcp.Server, e Engine, ed Editor) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "draw_records",
		Description: "List cached draw results of a collection, most recent first. Works offline; on an empty cache it tries one bounded fetch from the draw service.",
	}, recordsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Current synchronization status: online flag, state (idle, syncing, degraded), last successful sync, last error and total cached records.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run an incremental sync of every tracked collection. Joins a sync already in progress instead of starting another.",
	}, syncHandler(e.PerformIncrementalSync))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_force",
		Description: "Run a full sync of every tracked collection regardless of cursor state.",
	}, syncHandler(e.ForceSync))

	if ed == nil {
		return
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "draw_put",
		Description: "Enter or correct a draw result manually. Manual entries win over older remote data. Pushed to the draw service when online.",
	}, putHandler(ed))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "draw_delete",
		Description: "Delete a cached draw result by collection and date.",
	}, deleteHandler(ed))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// RecordsInput holds parameters for draw_records.
type RecordsInput struct {
	Collection string `json:"collection" jsonschema:"required,collection name, e.g. National"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of records, defaults to 50"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// SyncInput has no parameters.
type SyncInput struct{}

// PutInput holds parameters for draw_put.
type PutInput struct {
	Collection string `json:"collection" jsonschema:"required,collection name"`
	Date       string `json:"date" jsonschema:"required,draw date as YYYY-MM-DD"`
	Primary    []int  `json:"primary" jsonschema:"required,main drawn values"`
	Secondary  []int  `json:"secondary,omitempty" jsonschema:"bonus values, if the collection has any"`
}

// DeleteInput holds parameters for draw_delete.
type DeleteInput struct {
	Collection string `json:"collection" jsonschema:"required,collection name"`
	Date       string `json:"date" jsonschema:"required,draw date as YYYY-MM-DD"`
}

// --- Output types ---

// RecordView is a record as presented to tool callers.
type RecordView struct {
	Date            string `json:"date"`
	Primary         []int  `json:"primary"`
	Secondary       []int  `json:"secondary,omitempty"`
	SourceTimestamp string `json:"source_timestamp,omitempty"`
}

// RecordsResult is the output of draw_records.
type RecordsResult struct {
	Collection string       `json:"collection"`
	Count      int          `json:"count"`
	Records    []RecordView `json:"records"`
}

// StatusResult is the output of sync_status.
type StatusResult struct {
	IsOnline     bool   `json:"is_online"`
	IsSyncing    bool   `json:"is_syncing"`
	State        string `json:"state"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	TotalRecords int    `json:"total_records"`
}

// DeleteResult is the output of draw_delete.
type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// --- Handlers ---

func recordsHandler(e Engine) mcp.ToolHandlerFor[RecordsInput, *RecordsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RecordsInput) (*mcp.CallToolResult, *RecordsResult, error) {
		if input.Collection == "" {
			return nil, nil, fmt.Errorf("collection is required")
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultRecordLimit
		}

		records := e.GetRecords(ctx, input.Collection, limit)

		result := &RecordsResult{
			Collection: input.Collection,
			Count:      len(records),
			Records:    make([]RecordView, len(records)),
		}
		for i, r := range records {
			result.Records[i] = viewRecord(r)
		}

		return textResult(result), result, nil
	}
}

func statusHandler(e Engine) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := ViewStatus(e.Status())
		return textResult(result), result, nil
	}
}

func syncHandler(run func(context.Context) models.SyncResult) mcp.ToolHandlerFor[SyncInput, *models.SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *models.SyncResult, error) {
		result := run(ctx)
		return textResult(result), &result, nil
	}
}

func putHandler(ed Editor) mcp.ToolHandlerFor[PutInput, *admin.PutResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PutInput) (*mcp.CallToolResult, *admin.PutResult, error) {
		date, err := models.ParseDateKey(input.Date)
		if err != nil {
			return nil, nil, err
		}

		result, err := ed.Put(ctx, models.Record{
			Collection:    input.Collection,
			EffectiveDate: date,
			Primary:       input.Primary,
			Secondary:     input.Secondary,
		})
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), &result, nil
	}
}

func deleteHandler(ed Editor) mcp.ToolHandlerFor[DeleteInput, *DeleteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *DeleteResult, error) {
		date, err := models.ParseDateKey(input.Date)
		if err != nil {
			return nil, nil, err
		}

		deleted, err := ed.Delete(ctx, input.Collection, date)
		if err != nil {
			return nil, nil, err
		}

		result := &DeleteResult{Deleted: deleted}

		return textResult(result), result, nil
	}
}

func viewRecord(r models.Record) RecordView {
	v := RecordView{
		Date:      r.Key(),
		Primary:   r.Primary,
		Secondary: r.Secondary,
	}

	if v.Primary == nil {
		v.Primary = []int{}
	}

	if !r.SourceTimestamp.IsZero() {
		v.SourceTimestamp = r.SourceTimestamp.UTC().Format(time.RFC3339)
	}

	return v
}

// ViewStatus converts a status snapshot for presentation. Also used by
// the HTTP status endpoint and the CLI.
func ViewStatus(s models.SyncStatus) *StatusResult {
	v := &StatusResult{
		IsOnline:     s.IsOnline,
		IsSyncing:    s.IsSyncing,
		State:        string(s.State),
		LastError:    s.LastError,
		TotalRecords: s.TotalRecords,
	}

	if !s.LastSyncedAt.IsZero() {
		v.LastSyncedAt = s.LastSyncedAt.UTC().Format(time.RFC3339)
	}

	return v
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
