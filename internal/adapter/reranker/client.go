// Package reranker reorders search hits with a hosted rerank API.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"docpipe/internal/apperr"
)

const (
	ProviderJina   = "jina"
	ProviderCohere = "cohere"
)

type Client struct {
	apiKey   string
	provider string
	client   *http.Client
	baseURL  string
}

func NewClient(provider, apiKey string) *Client {
	return &Client{
		provider: provider,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// Rerank returns document indexes ordered by relevance to query. Unknown
// providers keep the input order.
func (c *Client) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	switch c.provider {
	case ProviderJina:
		return c.rerank(ctx, "https://api.jina.ai/v1/rerank", map[string]interface{}{
			"model":     "jina-reranker-v2-base-multilingual",
			"query":     query,
			"documents": docs,
		}, len(docs))
	case ProviderCohere:
		return c.rerank(ctx, "https://api.cohere.ai/v1/rerank", map[string]interface{}{
			"model":            "rerank-english-v3.0",
			"query":            query,
			"documents":        docs,
			"top_n":            len(docs),
			"return_documents": false,
		}, len(docs))
	}
	indices := make([]int, len(docs))
	for i := range indices {
		indices[i] = i
	}
	return indices, nil
}

func (c *Client) rerank(ctx context.Context, url string, reqBody map[string]interface{}, n int) ([]int, error) {
	if c.baseURL != "" {
		url = c.baseURL
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if apperr.IsTimeout(err) {
			return nil, apperr.Provider(c.provider, apperr.ErrTimeout, err)
		}
		return nil, apperr.Provider(c.provider, apperr.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(c.provider, resp.StatusCode)
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperr.Provider(c.provider, apperr.ErrTransient, fmt.Errorf("decode response: %w", err))
	}

	indices := make([]int, 0, n)
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < n {
			indices = append(indices, r.Index)
		}
	}
	return indices, nil
}

func classifyStatus(provider string, status int) error {
	err := fmt.Errorf("%s api error: %d", provider, status)
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.Provider(provider, apperr.ErrRateLimited, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Provider(provider, apperr.ErrAuthentication, err)
	case status == http.StatusGatewayTimeout:
		return apperr.Provider(provider, apperr.ErrTimeout, err)
	case status >= 400 && status < 500:
		return apperr.Provider(provider, apperr.ErrValidation, err)
	default:
		return apperr.Provider(provider, apperr.ErrTransient, err)
	}
}
