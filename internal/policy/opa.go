package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OPASource reads tenant policy documents from an OPA data API at
// /v1/data/<package>/tenants/<tenant>. An undefined document yields Default.
type OPASource struct {
	OPAURL        string
	PolicyPackage string
	Default       TenantPolicy
	HTTPClient    *http.Client
	clientOnce    sync.Once
}

type opaResponse struct {
	Result json.RawMessage `json:"result"`
}

func (p *OPASource) httpClient() *http.Client {
	p.clientOnce.Do(func() {
		if p.HTTPClient == nil {
			p.HTTPClient = &http.Client{Timeout: 5 * time.Second}
		}
	})
	return p.HTTPClient
}

func (p *OPASource) TenantPolicy(ctx context.Context, tenantID string) (TenantPolicy, error) {
	pkg := strings.Trim(strings.TrimSpace(p.PolicyPackage), "/")
	pkg = strings.ReplaceAll(pkg, ".", "/")
	base := strings.TrimRight(strings.TrimSpace(p.OPAURL), "/")
	endpoint := fmt.Sprintf("%s/v1/data/%s/tenants/%s", base, pkg, url.PathEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TenantPolicy{}, err
	}
	resp, err := p.httpClient().Do(req)
	if err != nil {
		return TenantPolicy{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TenantPolicy{}, fmt.Errorf("opa status %d", resp.StatusCode)
	}
	var out opaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TenantPolicy{}, err
	}
	pol := p.Default
	if len(out.Result) == 0 || string(out.Result) == "null" {
		return pol, nil
	}
	// Fields absent from the document keep their default values.
	if err := json.Unmarshal(out.Result, &pol); err != nil {
		return TenantPolicy{}, fmt.Errorf("decode opa policy: %w", err)
	}
	return pol, nil
}
