package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Connector performs the side effect behind a tool against the tenant's integrations.
type Connector interface {
	Invoke(ctx context.Context, tool ToolID, params map[string]any) (map[string]any, error)
}

var ErrEgressDenied = errors.New("egress denied")

type AuthHeaders struct {
	BearerToken string
	Extra       map[string]string
}

func ApplyAuth(req *http.Request, auth AuthHeaders) {
	if auth.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+auth.BearerToken)
	}
	for k, v := range auth.Extra {
		req.Header.Set(k, v)
	}
}

// HTTPConnector posts each call to BaseURL/tools/<name> and decodes a JSON object reply.
type HTTPConnector struct {
	BaseURL        string
	Client         *http.Client
	Auth           AuthHeaders
	Allowlist      []string
	TokenFile      string
	MaxOutputBytes int
}

type connectorRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

func (c *HTTPConnector) Invoke(ctx context.Context, tool ToolID, params map[string]any) (map[string]any, error) {
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if len(c.Allowlist) > 0 && !allowHost(c.BaseURL, c.Allowlist) {
		return nil, ErrEgressDenied
	}
	data, err := json.Marshal(connectorRequest{Tool: tool.String(), Parameters: params})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/tools/" + tool.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	auth := c.Auth
	if auth.BearerToken == "" && strings.TrimSpace(c.TokenFile) != "" {
		if token, err := readTokenFile(c.TokenFile); err == nil && token != "" {
			auth.BearerToken = token
		}
	}
	ApplyAuth(req, auth)
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	reader := io.Reader(resp.Body)
	if c.MaxOutputBytes > 0 {
		reader = io.LimitReader(resp.Body, int64(c.MaxOutputBytes)+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if c.MaxOutputBytes > 0 && len(body) > c.MaxOutputBytes {
		return nil, fmt.Errorf("%s: response exceeds %d bytes", tool, c.MaxOutputBytes)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: connector status %d: %s", tool, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", tool, err)
	}
	return out, nil
}

var readFile = os.ReadFile

func readTokenFile(path string) (string, error) {
	data, err := readFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func allowHost(baseURL string, allowlist []string) bool {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	for _, allowed := range allowlist {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if strings.EqualFold(host, allowed) {
			return true
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, strings.TrimPrefix(allowed, "*")) {
			return true
		}
	}
	return false
}

// Call is one invocation recorded by LocalConnector.
type Call struct {
	Tool   ToolID
	Params map[string]any
}

// LocalConnector answers every call in-process. Results and Errors are keyed by tool.
// It backs the memory storage driver and tests.
type LocalConnector struct {
	mu      sync.Mutex
	Results map[ToolID]map[string]any
	Errors  map[ToolID]error
	calls   []Call
}

func NewLocalConnector() *LocalConnector {
	return &LocalConnector{Results: map[ToolID]map[string]any{}, Errors: map[ToolID]error{}}
}

func (l *LocalConnector) Invoke(ctx context.Context, tool ToolID, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, Call{Tool: tool, Params: params})
	if err := l.Errors[tool]; err != nil {
		return nil, err
	}
	if res, ok := l.Results[tool]; ok {
		return res, nil
	}
	return map[string]any{"ok": true, "tool": tool.String()}, nil
}

func (l *LocalConnector) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}
