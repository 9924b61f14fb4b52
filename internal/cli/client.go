// =============================================================================
// CLI HTTP CLIENT - ADMIN INTERFACE TO A LOGQ CLUSTER
// =============================================================================
//
// Administrative commands go through the HTTP API; data-plane commands
// (produce, consume) use the gRPC client in pkg/client instead.
//
// HTTP ENDPOINTS USED:
//
//   Topics:
//     POST   /topics                Create topic
//     GET    /topics                List topics
//     GET    /topics/{topic}        Describe topic (leaders, replicas, ISR)
//
//   Groups:
//     GET    /groups                List groups
//     GET    /groups/{group}        Describe group
//     DELETE /groups/{group}        Delete an empty group
//     GET    /groups/{group}/offsets
//
//   Brokers:
//     GET    /brokers               List brokers
//     GET    /brokers/{id}          Hosted partitions of one broker
//     PUT    /brokers/{id}/alive    Mark a broker dead or alive
//
//   Server:
//     GET    /health, /version
//
// ERRORS:
//   The API answers {"code": "NOT_LEADER_FOR_PARTITION", "error": "..."};
//   APIError unwraps to the matching protocol sentinel, so callers can use
//   errors.Is(err, protocol.ErrTopicNotFound).
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"logq/internal/api"
	"logq/internal/coordinator"
	"logq/pkg/protocol"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration for the CLI HTTP client.
type ClientConfig struct {
	// ServerURL is the base URL of the HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// Timeout is the HTTP request timeout
	Timeout time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: DefaultServer,
		Timeout:   30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP client for CLI operations.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a new CLI HTTP client.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// doRequest executes an HTTP request and decodes the JSON response.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	u, err := url.JoinPath(c.config.ServerURL, path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp protocol.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Message
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// APIError is a failed API call.
type APIError struct {
	StatusCode int
	Code       protocol.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap returns the protocol sentinel named by the error code, if any.
func (e *APIError) Unwrap() error {
	if e.Code == "" {
		return nil
	}
	return protocol.ErrorForCode(e.Code, "")
}

// =============================================================================
// TOPIC OPERATIONS
// =============================================================================

// CreateTopic creates a topic and returns its initial placement.
func (c *Client) CreateTopic(ctx context.Context, req api.CreateTopicRequest) (*protocol.MetadataResponse, error) {
	var resp protocol.MetadataResponse
	if err := c.doRequest(ctx, http.MethodPost, "/topics", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTopics returns topic names in order.
func (c *Client) ListTopics(ctx context.Context) ([]string, error) {
	var resp struct {
		Topics []string `json:"topics"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/topics", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// DescribeTopic returns leaders, replicas and ISRs of a topic.
func (c *Client) DescribeTopic(ctx context.Context, name string) (*protocol.MetadataResponse, error) {
	var resp protocol.MetadataResponse
	if err := c.doRequest(ctx, http.MethodGet, "/topics/"+url.PathEscape(name), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// GROUP OPERATIONS
// =============================================================================

// ListGroups returns group IDs in order.
func (c *Client) ListGroups(ctx context.Context) ([]string, error) {
	var resp struct {
		Groups []string `json:"groups"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/groups", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// DescribeGroup returns members, generation and assignment of a group.
func (c *Client) DescribeGroup(ctx context.Context, groupID string) (*coordinator.GroupDescription, error) {
	var resp coordinator.GroupDescription
	if err := c.doRequest(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteGroup removes a group that has no members, with its offsets.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/groups/"+url.PathEscape(groupID), nil, nil, nil)
}

// GroupOffsets returns every committed offset of a group.
func (c *Client) GroupOffsets(ctx context.Context, groupID string) ([]coordinator.CommittedOffset, error) {
	var resp struct {
		Offsets []coordinator.CommittedOffset `json:"offsets"`
	}
	path := "/groups/" + url.PathEscape(groupID) + "/offsets"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Offsets, nil
}

// =============================================================================
// BROKER OPERATIONS
// =============================================================================

// ListBrokers returns every broker with its liveness.
func (c *Client) ListBrokers(ctx context.Context) ([]api.BrokerView, error) {
	var resp struct {
		Brokers []api.BrokerView `json:"brokers"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/brokers", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Brokers, nil
}

// DescribeBroker returns one broker with the replicas it hosts.
func (c *Client) DescribeBroker(ctx context.Context, id int32) (*api.BrokerView, error) {
	var resp api.BrokerView
	path := "/brokers/" + strconv.FormatInt(int64(id), 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetBrokerAlive marks a broker dead (failing its partitions over) or alive.
func (c *Client) SetBrokerAlive(ctx context.Context, id int32, alive bool) error {
	path := "/brokers/" + strconv.FormatInt(int64(id), 10) + "/alive"
	return c.doRequest(ctx, http.MethodPut, path, nil, api.SetAliveRequest{Alive: &alive}, nil)
}

// =============================================================================
// SERVER OPERATIONS
// =============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                           `json:"status" yaml:"status"`
	Timestamp string                           `json:"timestamp" yaml:"timestamp"`
	Uptime    string                           `json:"uptime" yaml:"uptime"`
	Checks    map[string]api.HealthCheckResult `json:"checks" yaml:"checks"`
}

// Health checks server health. A 503 still carries a body and is returned
// as a response, not an error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusServiceUnavailable {
		if json.Unmarshal([]byte(apiErr.Message), &resp) == nil && resp.Status != "" {
			return &resp, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Version returns the server's build information.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var resp VersionInfo
	if err := c.doRequest(ctx, http.MethodGet, "/version", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
