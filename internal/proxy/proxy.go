package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"

	"github.com/mcpstash/mcpstash/internal/config"
	"github.com/mcpstash/mcpstash/internal/jsonrpc"
	"github.com/mcpstash/mcpstash/internal/query"
	"github.com/mcpstash/mcpstash/internal/store"
)

const (
	serverName = "mcpstash"

	// Version is the proxy version reported in both handshakes.
	Version = "0.1.0"

	// protocolVersion is the MCP protocol revision sent to the target.
	protocolVersion = "2024-11-05"
)

// Transport is the minimal subprocess-transport surface the proxy needs.
// Satisfied by *jsonrpc.Client; tests substitute a mock.
type Transport interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	OnNotification(handler jsonrpc.NotificationHandler)
	Close() error
}

// Proxy sits between a tool-calling client and the target server. It routes
// management calls to the store and query engine, forwards everything else
// to the target, and parks oversized responses so the client never receives
// a payload above its budget.
type Proxy struct {
	log       *slog.Logger
	cfg       config.Config
	transport Transport
	store     *store.Store
	server    *mcp.Server
	sessionID string

	// Remote identity captured from the initialize handshake.
	remoteName    string
	remoteVersion string
}

// initializeResult is the slice of the target's initialize response the
// proxy cares about.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// remoteTool is one entry of the target's tools/list response.
type remoteTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// New creates a proxy with the given immutable configuration, transport,
// and store. The client-facing server is constructed here; Connect performs
// the target handshake and Run serves the client.
func New(log *slog.Logger, cfg config.Config, transport Transport, st *store.Store) *Proxy {
	p := &Proxy{
		log:       log.With("component", "proxy"),
		cfg:       cfg,
		transport: transport,
		store:     st,
		sessionID: ulid.Make().String(),
	}

	p.server = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: Version,
	}, nil)

	p.registerManagementTools()

	return p
}

// Connect performs the startup protocol in strict order: spawn the target,
// send initialize, send the initialized notification, then merge the
// target's tool catalog into the client-facing server. Every step must
// succeed before the proxy accepts client traffic, except the catalog fetch,
// whose failure degrades to a management-tools-only listing.
func (p *Proxy) Connect(ctx context.Context) error {
	p.log.Info("Connecting to target server", "session_id", p.sessionID, "command", p.cfg.TargetCommand)

	if err := p.transport.Start(ctx); err != nil {
		return err
	}

	p.transport.OnNotification(func(n jsonrpc.Notification) {
		p.log.Debug("Notification from target", "method", n.Method)
	})

	raw, err := p.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    serverName,
			"version": Version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize target: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		p.log.Warn("Could not parse initialize result", "error", err)
	}

	p.remoteName = init.ServerInfo.Name
	p.remoteVersion = init.ServerInfo.Version

	if err := p.transport.Notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}

	p.log.Info("Target server ready",
		"server", p.remoteName,
		"version", p.remoteVersion,
		"max_response_bytes", p.cfg.MaxResponseBytes(),
	)

	p.registerRemoteTools(ctx)

	return nil
}

// Run serves the client over stdio until ctx is cancelled or the client
// disconnects.
func (p *Proxy) Run(ctx context.Context) error {
	p.log.Info("Serving client", "session_id", p.sessionID)

	return p.server.Run(ctx, &mcp.StdioTransport{})
}

// Close tears down the target subprocess.
func (p *Proxy) Close() error {
	return p.transport.Close()
}

// registerRemoteTools fetches the target's tool catalog once per process and
// registers a forwarding handler for each tool. A fetch failure is logged
// and treated as an empty remote tool set: listing still succeeds with only
// the management tools.
func (p *Proxy) registerRemoteTools(ctx context.Context) {
	raw, err := p.transport.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		p.log.Warn("Could not list target tools; exposing management tools only", "error", err)

		return
	}

	var listing struct {
		Tools []remoteTool `json:"tools"`
	}

	if err := json.Unmarshal(raw, &listing); err != nil {
		p.log.Warn("Could not parse target tool list; exposing management tools only", "error", err)

		return
	}

	registered := 0

	for _, tool := range listing.Tools {
		if isManagementTool(tool.Name) {
			p.log.Warn("Target tool shadows a management tool; skipping", "tool", tool.Name)

			continue
		}

		schema := &jsonschema.Schema{Type: "object"}

		if len(tool.InputSchema) > 0 {
			parsed := new(jsonschema.Schema)
			if err := json.Unmarshal(tool.InputSchema, parsed); err != nil {
				p.log.Warn("Could not parse tool schema; using permissive schema", "tool", tool.Name, "error", err)
			} else {
				schema = parsed
			}
		}

		p.server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}, p.forwardHandler(tool.Name))

		registered++
	}

	p.log.Info("Merged target tool catalog", "remote_tools", registered)
}

// forwardHandler builds the pass-through handler for one target tool. The
// call is forwarded verbatim; the response passes the size gate on the way
// back.
func (p *Proxy) forwardHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		arguments := json.RawMessage(req.Params.Arguments)
		if len(arguments) == 0 {
			arguments = json.RawMessage("{}")
		}

		result, err := p.transport.Call(ctx, "tools/call", map[string]any{
			"name":      name,
			"arguments": arguments,
		})
		if err != nil {
			if isSizeViolation(err) {
				return errorText(sizeViolationMessage), nil
			}

			return errorText(fmt.Sprintf("Tool %s failed: %v", name, err)), nil
		}

		return p.gateResponse(name, result)
	}
}

// gateResponse applies the size gate to a forwarded response: under the
// threshold the response is returned unmodified; over it the response is
// parked in the store and only a summary goes back to the client.
func (p *Proxy) gateResponse(tool string, result json.RawMessage) (*mcp.CallToolResult, error) {
	size := len(query.Render(result))
	maxSize := p.cfg.MaxResponseBytes()

	if size <= maxSize {
		return decodeToolResult(result), nil
	}

	id, err := p.store.Save(tool, result, p.cfg.ClientName)
	if err != nil {
		p.log.Error("Failed to park oversized response", "tool", tool, "size_bytes", size, "error", err)

		return errorText(fmt.Sprintf("Tool %s failed: response of %d bytes exceeded the %d byte limit and could not be cached: %v",
			tool, size, maxSize, err)), nil
	}

	meta, merr := p.store.Metadata(id)
	if merr != nil {
		return errorText(fmt.Sprintf("Tool %s failed: cached response metadata unavailable: %v", tool, merr)), nil
	}

	p.log.Info("Parked oversized response",
		"tool", tool,
		"id", id,
		"size_bytes", size,
		"chunks", meta.ChunkCount,
	)

	return textResult(parkedSummary(tool, meta, maxSize)), nil
}

// parkedSummary renders the client-visible summary for a parked response,
// with enough usage hints that a client can navigate the payload without
// further documentation.
func parkedSummary(tool string, meta *store.Metadata, maxSize int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Response from %q was %s, over the %s limit, and has been cached instead of returned.\n\n",
		tool,
		humanize.IBytes(uint64(meta.SizeBytes)),
		humanize.IBytes(uint64(maxSize)),
	)
	fmt.Fprintf(&b, "response_id: %s\n", meta.ID)
	fmt.Fprintf(&b, "size: %s (%d bytes)\n", humanize.IBytes(uint64(meta.SizeBytes)), meta.SizeBytes)
	fmt.Fprintf(&b, "chunks: %d\n", meta.ChunkCount)
	fmt.Fprintf(&b, "expires_at: %s\n\n", meta.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteString("Retrieve pieces with the management tools:\n")
	b.WriteString("- query_response: search by text, /regex/, or $.structured.path\n")
	b.WriteString("- get_chunk: page through the payload chunk by chunk\n")
	b.WriteString("- get_response_info / refresh_response / delete_response: inspect, extend, drop\n")

	return b.String()
}

// sizeViolationMessage replaces raw remote size-limit errors with something
// the client can act on.
const sizeViolationMessage = "The target server refused the call because its own response size limit " +
	"would be exceeded. Narrow the request (add filters, reduce page size, or select fewer fields) " +
	"so the server can produce a smaller result."

// isSizeViolation guesses whether a forwarding failure is the remote
// protocol layer rejecting an oversized result. Substring heuristic against
// the error text; the remote wording is not standardised.
func isSizeViolation(err error) bool {
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "exceeds maximum") ||
		strings.Contains(msg, "exceeded maximum") ||
		strings.Contains(msg, "too large") ||
		strings.Contains(msg, "token limit")
}

// decodeToolResult rebuilds an mcp.CallToolResult from the target's raw
// tools/call result so an under-threshold response reaches the client
// unmodified.
func decodeToolResult(result json.RawMessage) *mcp.CallToolResult {
	var parsed struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Data     []byte `json:"data"`
			MIMEType string `json:"mimeType"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}

	if err := json.Unmarshal(result, &parsed); err != nil || len(parsed.Content) == 0 {
		// Not shaped like a tool result; pass the raw JSON through as text.
		return textResult(string(result))
	}

	out := &mcp.CallToolResult{IsError: parsed.IsError}

	for _, c := range parsed.Content {
		switch c.Type {
		case "text":
			out.Content = append(out.Content, &mcp.TextContent{Text: c.Text})
		case "image":
			out.Content = append(out.Content, &mcp.ImageContent{Data: c.Data, MIMEType: c.MIMEType})
		case "audio":
			out.Content = append(out.Content, &mcp.AudioContent{Data: c.Data, MIMEType: c.MIMEType})
		default:
			// Unknown content kinds degrade to their text field.
			out.Content = append(out.Content, &mcp.TextContent{Text: c.Text})
		}
	}

	return out
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
