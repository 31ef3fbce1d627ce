package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"AgentForge/internal/blueprint"
)

type webSearchTool struct {
	base
	client *http.Client
}

func newWebSearchTool(spec blueprint.ToolSpec, client *http.Client) (*webSearchTool, error) {
	if _, err := url.ParseRequestURI(spec.Endpoint); err != nil {
		return nil, fmt.Errorf("web_search tool %q: invalid endpoint: %w", spec.Name, err)
	}
	if len(spec.Parameters) == 0 {
		spec.Parameters = map[string]string{"q": "search query"}
	}
	if spec.Description == "" {
		spec.Description = "Search the web and return the top results."
	}
	return &webSearchTool{base: base{spec: spec}, client: client}, nil
}

func (t *webSearchTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(stringArg(args, "q"))
	if query == "" {
		query = strings.TrimSpace(stringArg(args, "query"))
	}
	if query == "" {
		return "", fmt.Errorf("search query is required")
	}
	endpoint, err := url.Parse(t.spec.Endpoint)
	if err != nil {
		return "", err
	}
	values := endpoint.Query()
	values.Set("q", query)
	endpoint.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	return do(t.client, req)
}
