// Package tools exposes bridge operations as MCP tools over stdio.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/echo-of-machines/ClawBridge/internal/bridge"
	"github.com/echo-of-machines/ClawBridge/internal/eventbuf"
)

// Toolset binds the tool handlers to a bridge.
type Toolset struct {
	bridge *bridge.Bridge
}

// NewServer builds the MCP server with every bridge tool registered.
func NewServer(b *bridge.Bridge, version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"clawbridge",
		version,
		server.WithToolCapabilities(true),
	)
	ts := &Toolset{bridge: b}
	ts.Register(srv)
	return srv
}

// ServeStdio runs the server over stdio until the stream closes.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}

// Register adds every tool to srv.
func (t *Toolset) Register(srv *server.MCPServer) {
	srv.AddTool(mcplib.NewTool("gateway_request",
		mcplib.WithDescription(`Perform a raw request on the gateway connection and return the response payload.

Use this for gateway operations without a dedicated tool. The request fails
when the gateway connection is not open.`),
		mcplib.WithString("method",
			mcplib.Required(),
			mcplib.Description("Gateway method name, e.g. chat.send"),
		),
		mcplib.WithString("params",
			mcplib.Description("JSON-encoded parameters object"),
		),
	), t.handleGatewayRequest)

	srv.AddTool(mcplib.NewTool("events_query",
		mcplib.WithDescription(`Query the buffered gateway events.

Events are returned oldest-first. All filters are optional; without any the
whole buffer is returned.`),
		mcplib.WithString("event",
			mcplib.Description("Exact event name to match"),
		),
		mcplib.WithString("since",
			mcplib.Description("RFC 3339 timestamp; only events received at or after it"),
		),
		mcplib.WithNumber("limit",
			mcplib.Description("Keep only the most recent N matches"),
		),
	), t.handleEventsQuery)

	srv.AddTool(mcplib.NewTool("events_clear",
		mcplib.WithDescription("Empty the gateway event buffer."),
	), t.handleEventsClear)

	srv.AddTool(mcplib.NewTool("bridge_send",
		mcplib.WithDescription(`Send chat text into the target application on behalf of a channel and sender.

The target's eventual response is attributed back to the same channel and
sender and forwarded to the gateway; this tool does not wait for it.`),
		mcplib.WithString("channel",
			mcplib.Required(),
			mcplib.Description("Originating channel for response attribution"),
		),
		mcplib.WithString("sender",
			mcplib.Required(),
			mcplib.Description("Originating sender for response attribution"),
		),
		mcplib.WithString("text",
			mcplib.Required(),
			mcplib.Description("Text to type into the target"),
		),
	), t.handleBridgeSend)

	srv.AddTool(mcplib.NewTool("bridge_ask",
		mcplib.WithDescription(`Ask the target a question and wait for its visible response to settle.

Blocks until the response area changes and holds still, up to the configured
poll timeout.`),
		mcplib.WithString("text",
			mcplib.Required(),
			mcplib.Description("Question to type into the target"),
		),
		mcplib.WithNumber("timeout_seconds",
			mcplib.Description("Override the configured poll timeout for this call"),
		),
	), t.handleBridgeAsk)

	srv.AddTool(mcplib.NewTool("bridge_status",
		mcplib.WithDescription("Report both connection states and queue depths."),
	), t.handleBridgeStatus)
}

func (t *Toolset) handleGatewayRequest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	method, err := request.RequireString("method")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	var params any
	if raw := request.GetString("params", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("params is not valid JSON: %v", err)), nil
		}
	}

	gw := t.bridge.Gateway()
	if gw == nil {
		return mcplib.NewToolResultError("bridge not started"), nil
	}
	result, err := gw.Request(ctx, method, params)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(result)), nil
}

func (t *Toolset) handleEventsQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	buf := t.bridge.Buffer()
	if buf == nil {
		return mcplib.NewToolResultError("bridge not started"), nil
	}

	q := eventbuf.Query{
		Event: request.GetString("event", ""),
		Limit: request.GetInt("limit", 0),
	}
	if since := request.GetString("since", ""); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("invalid since timestamp: %v", err)), nil
		}
		q.Since = ts
	}

	data, err := json.MarshalIndent(buf.Find(q), "", "  ")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func (t *Toolset) handleEventsClear(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	buf := t.bridge.Buffer()
	if buf == nil {
		return mcplib.NewToolResultError("bridge not started"), nil
	}
	n := buf.Size()
	buf.Clear()
	return mcplib.NewToolResultText(fmt.Sprintf("cleared %d events", n)), nil
}

func (t *Toolset) handleBridgeSend(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	channel, err := request.RequireString("channel")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	sender, err := request.RequireString("sender")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}

	if err := t.bridge.SendText(ctx, channel, sender, text); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Send failed: %v", err)), nil
	}
	return mcplib.NewToolResultText("sent"), nil
}

func (t *Toolset) handleBridgeAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}

	if secs := request.GetInt("timeout_seconds", 0); secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	answer, err := t.bridge.Ask(ctx, text)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Ask failed: %v", err)), nil
	}
	return mcplib.NewToolResultText(answer), nil
}

func (t *Toolset) handleBridgeStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(t.bridge.Status(), "", "  ")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
