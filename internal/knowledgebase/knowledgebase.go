// Package knowledgebase looks up CWE descriptions in an organization's external knowledge base.
package knowledgebase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// maxBody caps the response size read from the knowledge base.
const maxBody = 1 << 20

// Entry is the knowledge-base record for one CWE.
type Entry struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Remediation string   `json:"remediation"`
	References  []string `json:"references"`
	CWE         int      `json:"cwe"`
}

// Client reads entries from one knowledge base.
type Client struct {
	http types.HTTPClientInterface
	cfg  model.KnowledgeBaseConfig
}

// NewClient creates a Client for cfg. A nil httpClient uses types.NewRealHTTPClient.
func NewClient(cfg model.KnowledgeBaseConfig, httpClient types.HTTPClientInterface) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("knowledge base host is not provided")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "https"
	}
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	if httpClient == nil {
		httpClient = types.NewRealHTTPClient()
	}
	return &Client{http: httpClient, cfg: cfg}, nil
}

// URL returns the lookup address for cwe.
func (c *Client) URL(cwe int) string {
	return fmt.Sprintf("%s://%s:%d/api/cwe/%d/", c.cfg.Protocol, c.cfg.Host, c.cfg.Port, cwe)
}

// Lookup fetches the entry for cwe. Every failure wraps types.ErrIntegrationFailure.
func (c *Client) Lookup(ctx context.Context, cwe int) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(cwe), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: error creating request: %w", types.ErrIntegrationFailure, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: error making request: %w", types.ErrIntegrationFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status code: %d", types.ErrIntegrationFailure, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: error reading response body: %w", types.ErrIntegrationFailure, err)
	}

	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("%w: error parsing JSON response: %w", types.ErrIntegrationFailure, err)
	}
	if entry.CWE == 0 {
		entry.CWE = cwe
	}
	return &entry, nil
}
