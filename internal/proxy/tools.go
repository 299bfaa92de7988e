package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpstash/mcpstash/internal/query"
)

// Management tool names. Calls matching one of these are handled locally
// against the store and query engine; everything else is forwarded to the
// target.
const (
	toolQueryResponse   = "query_response"
	toolGetChunk        = "get_chunk"
	toolListResponses   = "list_responses"
	toolGetResponseInfo = "get_response_info"
	toolRefreshResponse = "refresh_response"
	toolDeleteResponse  = "delete_response"
)

var managementToolNames = map[string]struct{}{
	toolQueryResponse:   {},
	toolGetChunk:        {},
	toolListResponses:   {},
	toolGetResponseInfo: {},
	toolRefreshResponse: {},
	toolDeleteResponse:  {},
}

func isManagementTool(name string) bool {
	_, ok := managementToolNames[name]

	return ok
}

// registerManagementTools adds the six fixed management tools to the
// client-facing server. Their names and schemas are part of the external
// contract and never change at runtime.
func (p *Proxy) registerManagementTools() {
	responseIDSchema := &jsonschema.Schema{
		Type:        "string",
		Description: "Id of a cached response, as returned in a parked-response summary",
	}

	p.server.AddTool(&mcp.Tool{
		Name: toolQueryResponse,
		Description: "Search a cached response by plain text, /regex/, or a $.structured.path " +
			"expression. Returns matching lines (or path values) with surrounding context.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"response_id": responseIDSchema,
				"query": {
					Type:        "string",
					Description: "Search expression. Leading $ selects path mode, /expr/flags selects regex mode, anything else is text search.",
				},
				"mode": {
					Type:        "string",
					Description: "Force a mode instead of auto-detecting: text, regex, or path",
					Enum:        []any{"text", "regex", "path"},
				},
				"limit": {
					Type:        "integer",
					Description: "Maximum matches to return (default 100)",
				},
			},
			Required: []string{"response_id", "query"},
		},
	}, p.management(p.handleQueryResponse))

	p.server.AddTool(&mcp.Tool{
		Name: toolGetChunk,
		Description: "Return one fixed-size chunk of a cached response's canonical text, " +
			"by zero-based chunk number. Chunks concatenate to the full payload.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"response_id": responseIDSchema,
				"chunk_number": {
					Type:        "integer",
					Description: "Zero-based chunk index",
				},
			},
			Required: []string{"response_id", "chunk_number"},
		},
	}, p.management(p.handleGetChunk))

	p.server.AddTool(&mcp.Tool{
		Name:        toolListResponses,
		Description: "List metadata for every cached response.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, p.management(p.handleListResponses))

	p.server.AddTool(&mcp.Tool{
		Name:        toolGetResponseInfo,
		Description: "Return metadata for one cached response without its payload.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"response_id": responseIDSchema,
			},
			Required: []string{"response_id"},
		},
	}, p.management(p.handleGetResponseInfo))

	p.server.AddTool(&mcp.Tool{
		Name:        toolRefreshResponse,
		Description: "Extend the expiry of a cached response by the configured TTL.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"response_id": responseIDSchema,
			},
			Required: []string{"response_id"},
		},
	}, p.management(p.handleRefreshResponse))

	p.server.AddTool(&mcp.Tool{
		Name:        toolDeleteResponse,
		Description: "Delete a cached response before its expiry.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"response_id": responseIDSchema,
			},
			Required: []string{"response_id"},
		},
	}, p.management(p.handleDeleteResponse))
}

// managementHandler produces the text body of a management tool response.
type managementHandler func(ctx context.Context, args json.RawMessage) (string, error)

// management wraps a handler in the catch-all contract: any failure becomes
// a plain "Error: ..." text response, never an error-flagged result and
// never a failed session.
func (p *Proxy) management(fn managementHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := json.RawMessage(req.Params.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}

		text, err := fn(ctx, args)
		if err != nil {
			return textResult("Error: " + err.Error()), nil
		}

		return textResult(text), nil
	}
}

func (p *Proxy) handleQueryResponse(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ResponseID string `json:"response_id"`
		Query      string `json:"query"`
		Mode       string `json:"mode"`
		Limit      int    `json:"limit"`
	}

	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	if in.ResponseID == "" {
		return "", fmt.Errorf("response_id is required")
	}

	if in.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	value, err := p.store.Get(in.ResponseID)
	if err != nil {
		return "", err
	}

	result, err := query.Query(value, in.Query, query.Options{
		Mode:  query.Mode(in.Mode),
		Limit: in.Limit,
	})
	if err != nil {
		return "", err
	}

	return renderJSON(result)
}

func (p *Proxy) handleGetChunk(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ResponseID  string `json:"response_id"`
		ChunkNumber int    `json:"chunk_number"`
	}

	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	if in.ResponseID == "" {
		return "", fmt.Errorf("response_id is required")
	}

	value, err := p.store.Get(in.ResponseID)
	if err != nil {
		return "", err
	}

	chunk, err := query.ExtractChunk(value, in.ChunkNumber, p.cfg.ChunkSize)
	if err != nil {
		return "", err
	}

	return renderJSON(chunk)
}

func (p *Proxy) handleListResponses(_ context.Context, _ json.RawMessage) (string, error) {
	metas, err := p.store.List()
	if err != nil {
		return "", err
	}

	return renderJSON(map[string]any{
		"responses": metas,
		"count":     len(metas),
	})
}

func (p *Proxy) handleGetResponseInfo(_ context.Context, args json.RawMessage) (string, error) {
	id, err := responseID(args)
	if err != nil {
		return "", err
	}

	meta, err := p.store.Metadata(id)
	if err != nil {
		return "", err
	}

	return renderJSON(meta)
}

func (p *Proxy) handleRefreshResponse(_ context.Context, args json.RawMessage) (string, error) {
	id, err := responseID(args)
	if err != nil {
		return "", err
	}

	if !p.store.Refresh(id) {
		return "", fmt.Errorf("response %s not found or expired", id)
	}

	meta, err := p.store.Metadata(id)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Refreshed %s; now expires at %s", id, meta.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")), nil
}

func (p *Proxy) handleDeleteResponse(_ context.Context, args json.RawMessage) (string, error) {
	id, err := responseID(args)
	if err != nil {
		return "", err
	}

	if !p.store.Delete(id) {
		return "", fmt.Errorf("response %s not found", id)
	}

	return fmt.Sprintf("Deleted %s", id), nil
}

func responseID(args json.RawMessage) (string, error) {
	var in struct {
		ResponseID string `json:"response_id"`
	}

	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	if in.ResponseID == "" {
		return "", fmt.Errorf("response_id is required")
	}

	return in.ResponseID, nil
}

func renderJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render result: %w", err)
	}

	return string(data), nil
}
