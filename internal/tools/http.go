package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"AgentForge/internal/blueprint"
)

type httpTool struct {
	base
	client *http.Client
	method string
}

func newHTTPTool(spec blueprint.ToolSpec, client *http.Client) (*httpTool, error) {
	if _, err := url.ParseRequestURI(spec.Endpoint); err != nil {
		return nil, fmt.Errorf("http tool %q: invalid endpoint: %w", spec.Name, err)
	}
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	return &httpTool{base: base{spec: spec}, client: client, method: method}, nil
}

// Invoke sends the arguments as query parameters for GET/DELETE and as a JSON
// body otherwise.
func (t *httpTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	endpoint, err := url.Parse(t.spec.Endpoint)
	if err != nil {
		return "", err
	}
	var body io.Reader
	switch t.method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		query := endpoint.Query()
		for k, v := range args {
			query.Set(k, fmt.Sprint(v))
		}
		endpoint.RawQuery = query.Encode()
	default:
		payload, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode arguments: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, t.method, endpoint.String(), body)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return do(t.client, req)
}

func do(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultLength+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL.Host, resp.StatusCode, strings.TrimSpace(truncate(string(data))))
	}
	return truncate(string(data)), nil
}
