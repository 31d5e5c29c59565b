package client

import (
	"context"
	"fmt"

	"github.com/mcpprobe/mcpprobe/pkg/pagination"
	"github.com/mcpprobe/mcpprobe/pkg/protocol"
)

// Initialize performs the MCP handshake: the initialize request followed by
// the initialized notification. Server identity and capabilities are
// retained for inspection.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      c.info,
		Capabilities:    map[string]any{},
	}
	var result protocol.InitializeResult
	if err := c.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	c.initMu.Lock()
	c.serverInfo = &result.ServerInfo
	c.serverCaps = result.Capabilities
	c.initMu.Unlock()

	if err := c.Notify(ctx, protocol.MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &result, nil
}

// ServerInfo returns the identity reported during initialize, or nil before
// the handshake completes.
func (c *Client) ServerInfo() *protocol.Implementation {
	c.initMu.RLock()
	defer c.initMu.RUnlock()
	return c.serverInfo
}

// HasCapability reports whether the server declared the named capability.
func (c *Client) HasCapability(name string) bool {
	c.initMu.RLock()
	defer c.initMu.RUnlock()
	_, ok := c.serverCaps[name]
	return ok
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodPing, nil, nil)
}

// ListTools fetches the server's complete tool catalog, following cursors
// across pages.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	return pagination.CollectAll(ctx, func(ctx context.Context, params pagination.Params) (pagination.Page[protocol.Tool], error) {
		var result protocol.ListToolsResult
		if err := c.Call(ctx, protocol.MethodListTools, params, &result); err != nil {
			return pagination.Page[protocol.Tool]{}, err
		}
		return pagination.Page[protocol.Tool]{Items: result.Tools, NextCursor: result.NextCursor}, nil
	})
}

// ListPrompts fetches the server's complete prompt catalog.
func (c *Client) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	return pagination.CollectAll(ctx, func(ctx context.Context, params pagination.Params) (pagination.Page[protocol.Prompt], error) {
		var result protocol.ListPromptsResult
		if err := c.Call(ctx, protocol.MethodListPrompts, params, &result); err != nil {
			return pagination.Page[protocol.Prompt]{}, err
		}
		return pagination.Page[protocol.Prompt]{Items: result.Prompts, NextCursor: result.NextCursor}, nil
	})
}

// ListResources fetches the server's complete resource catalog.
func (c *Client) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	return pagination.CollectAll(ctx, func(ctx context.Context, params pagination.Params) (pagination.Page[protocol.Resource], error) {
		var result protocol.ListResourcesResult
		if err := c.Call(ctx, protocol.MethodListResources, params, &result); err != nil {
			return pagination.Page[protocol.Resource]{}, err
		}
		return pagination.Page[protocol.Resource]{Items: result.Resources, NextCursor: result.NextCursor}, nil
	})
}

// CallTool invokes a named tool. A tool-level failure comes back in the
// result with IsError set, not as a Go error; only transport and protocol
// failures error out.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*protocol.CallToolResult, error) {
	params := protocol.CallToolParams{Name: name, Arguments: arguments}
	var result protocol.CallToolResult
	if err := c.Call(ctx, protocol.MethodCallTool, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
