// Package hub talks to the feature-store hub: space descriptors, statistics
// snapshots and tag resolution. The engine treats the hub as the source of
// truth for dataset shape during prepare and resource estimation.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tileflow/internal/model"
	"tileflow/pkg/config"
	"tileflow/pkg/errs"
)

// statusPreconditionRequired is how the hub reports a deactivated space.
const statusPreconditionRequired = 428

// Client is the hub API client.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new hub client.
func NewClient(cfg *config.HubConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		token:   cfg.Token,
		baseURL: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// LoadSpace loads the space descriptor.
func (c *Client) LoadSpace(ctx context.Context, spaceID string) (*model.Space, error) {
	url := fmt.Sprintf("%s/spaces/%s", c.baseURL, spaceID)

	respData, err := c.doRequest(ctx, url, spaceID)
	if err != nil {
		return nil, err
	}

	var space model.Space
	if err := json.Unmarshal(respData, &space); err != nil {
		return nil, fmt.Errorf("failed to parse space response: %w", err)
	}

	return &space, nil
}

// Statistics loads the statistics snapshot for the given layer of the space.
func (c *Client) Statistics(ctx context.Context, spaceID string, spaceContext model.SpaceContext) (*model.SpaceStatistics, error) {
	url := fmt.Sprintf("%s/spaces/%s/statistics?skipCache=false", c.baseURL, spaceID)
	if spaceContext != "" {
		url += "&context=" + string(spaceContext)
	}

	respData, err := c.doRequest(ctx, url, spaceID)
	if err != nil {
		return nil, err
	}

	var stats statisticsResponse
	if err := json.Unmarshal(respData, &stats); err != nil {
		return nil, fmt.Errorf("failed to parse statistics response: %w", err)
	}

	return &model.SpaceStatistics{
		ByteSize:             stats.DataSize.Value,
		FeatureCountEstimate: stats.Count.Value,
		MaxVersion:           stats.MaxVersion.Value,
	}, nil
}

// LoadTag resolves a named tag of the space.
func (c *Client) LoadTag(ctx context.Context, spaceID, tag string) (*model.Tag, error) {
	url := fmt.Sprintf("%s/spaces/%s/tags/%s", c.baseURL, spaceID, tag)

	respData, err := c.doRequest(ctx, url, spaceID)
	if err != nil {
		return nil, err
	}

	var t model.Tag
	if err := json.Unmarshal(respData, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tag response: %w", err)
	}

	return &t, nil
}

// statisticsResponse mirrors the hub's estimated-value envelope.
type statisticsResponse struct {
	DataSize   estimatedValue `json:"dataSize"`
	Count      estimatedValue `json:"count"`
	MaxVersion estimatedValue `json:"maxVersion"`
}

type estimatedValue struct {
	Value     int64  `json:"value"`
	Estimated bool   `json:"estimated"`
	Unit      string `json:"unit,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, url, spaceID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "hub is not reachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read hub response: %w", err)
	}

	switch {
	case resp.StatusCode == statusPreconditionRequired:
		return nil, errs.Validation("%s is deactivated!", spaceID)
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.Validation("resource %s not found", spaceID)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("hub request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
