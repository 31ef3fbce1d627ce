package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"AgentForge/internal/blueprint"
)

const (
	clientName    = "agentforged"
	clientVersion = "1.0.0"
)

// transportFactory opens a fresh transport per invocation.
type transportFactory func() mcp.Transport

type mcpTool struct {
	base
	remote    string
	transport transportFactory
}

func newMCPTool(spec blueprint.ToolSpec, client *http.Client) (*mcpTool, error) {
	if _, err := url.ParseRequestURI(spec.Endpoint); err != nil {
		return nil, fmt.Errorf("mcp tool %q: invalid endpoint: %w", spec.Name, err)
	}
	endpoint := spec.Endpoint
	return newMCPToolWithTransport(spec, func() mcp.Transport {
		return &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: client}
	}), nil
}

func newMCPToolWithTransport(spec blueprint.ToolSpec, factory transportFactory) *mcpTool {
	remote := strings.TrimSpace(spec.RemoteName)
	if remote == "" {
		remote = spec.Name
	}
	return &mcpTool{base: base{spec: spec}, remote: remote, transport: factory}
}

// Invoke connects, calls the remote tool and closes the session. Text content
// blocks are joined; structured content is used when no text is returned.
func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := client.Connect(ctx, t.transport(), nil)
	if err != nil {
		return "", fmt.Errorf("connect mcp server: %w", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: t.remote, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", t.remote, err)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" && result.StructuredContent != nil {
		data, err := json.Marshal(result.StructuredContent)
		if err == nil {
			text = string(data)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("%s failed: %s", t.remote, truncate(text))
	}
	return truncate(text), nil
}
