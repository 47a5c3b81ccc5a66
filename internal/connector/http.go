package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

// HTTP is a JSON REST endpoint: GET/POST {base}/{dataType} and
// GET/PUT {base}/{dataType}/{id}, authenticated with a bearer token.
type HTTP struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTP creates a REST connector. A nil client gets a 30s timeout client.
func NewHTTP(baseURL, token string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
	}
}

// listResponse accepts both a bare array and an envelope.
type listResponse struct {
	Data  []domain.Record `json:"data"`
	Items []domain.Record `json:"items"`
}

func (c *HTTP) Load(ctx context.Context, dataType string, filters *domain.SyncFilters) ([]domain.Record, error) {
	params := url.Values{}
	if filters != nil {
		if filters.Status != "" {
			params.Set("status", filters.Status)
		}
		if filters.Category != "" {
			params.Set("category", filters.Category)
		}
	}

	body, status, err := c.do(ctx, http.MethodGet, c.path(dataType), params, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("api error %d: %s", status, strings.TrimSpace(string(body)))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []domain.Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", dataType, err)
		}
		return records, nil
	}

	var parsed listResponse
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", dataType, err)
	}
	if parsed.Data != nil {
		return parsed.Data, nil
	}
	return parsed.Items, nil
}

func (c *HTTP) Get(ctx context.Context, dataType string, id string) (domain.Record, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.path(dataType, id), nil, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, domain.ErrRecordNotFound
	case status != http.StatusOK:
		return nil, fmt.Errorf("api error %d: %s", status, strings.TrimSpace(string(body)))
	}

	var rec domain.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", dataType, id, err)
	}
	return rec, nil
}

func (c *HTTP) Create(ctx context.Context, dataType string, id string, rec domain.Record) error {
	return c.write(ctx, http.MethodPost, c.path(dataType), rec)
}

func (c *HTTP) Update(ctx context.Context, dataType string, id string, rec domain.Record) error {
	return c.write(ctx, http.MethodPut, c.path(dataType, id), rec)
}

func (c *HTTP) write(ctx context.Context, method, endpoint string, rec domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	body, status, err := c.do(ctx, method, endpoint, nil, payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("api error %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *HTTP) path(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *HTTP) do(ctx context.Context, method, endpoint string, params url.Values, payload []byte) ([]byte, int, error) {
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

var _ domain.Connector = (*HTTP)(nil)
