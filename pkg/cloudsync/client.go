// Package cloudsync is the Cloud Sync Loop (C7): it long-polls TargetState
// from the cloud with conditional GET (ETag), reports CurrentState on a
// schedule, and delegates the provisioning handshake to pkg/identity.
// Grounded on pkg/roster/worker.go's run-once-then-ticker shape, duplicated
// into two independent loops per spec.md §4.7, and on the retrieval pack's
// HTTP-client conventions (context deadlines, cenkalti/backoff/v5 retry)
// since no teacher package drives an outbound HTTP client of its own.
package cloudsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iotistic/supervisor/pkg/identity"
	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/rtmerr"
)

// Client is the HTTP half of the cloud sync loop. It implements
// identity.Registrar so pkg/identity can drive provisioning without
// importing this package.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client targeting baseURL (e.g. https://cloud.example).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// Register implements identity.Registrar against POST /api/v1/device/register.
func (c *Client) Register(ctx context.Context, provisioningKey string, req identity.RegisterRequest) (identity.RegisterResult, error) {
	var registerResp struct {
		ID         string `json:"id"`
		UUID       string `json:"uuid"`
		DeviceName string `json:"deviceName"`
		DeviceType string `json:"deviceType"`
		FleetID    string `json:"fleetId"`
		CreatedAt  string `json:"createdAt"`
	}

	body := struct {
		UUID              string `json:"uuid"`
		DeviceName        string `json:"deviceName"`
		DeviceType        string `json:"deviceType"`
		DeviceAPIKey      string `json:"deviceApiKey"`
		MACAddress        string `json:"macAddress,omitempty"`
		OSVersion         string `json:"osVersion,omitempty"`
		SupervisorVersion string `json:"supervisorVersion,omitempty"`
	}{
		UUID:              req.UUID,
		DeviceName:        req.DeviceName,
		DeviceType:        req.DeviceType,
		DeviceAPIKey:      req.DeviceAPIKey,
		MACAddress:        req.MACAddress,
		OSVersion:         req.OSVersion,
		SupervisorVersion: req.SupervisorVersion,
	}

	status, err := c.doJSON(ctx, http.MethodPost, "/api/v1/device/register", "Bearer "+provisioningKey, body, &registerResp)
	if err != nil {
		return identity.RegisterResult{}, err
	}
	switch status {
	case http.StatusOK:
		return identity.RegisterResult{UUID: registerResp.UUID, FleetID: registerResp.FleetID, APIEndpoint: c.baseURL}, nil
	case http.StatusUnauthorized:
		return identity.RegisterResult{}, rtmerr.NewAuthFailure("Register", "invalid provisioning key")
	case http.StatusConflict:
		return identity.RegisterResult{}, rtmerr.NewStateViolation("Register", "device already registered")
	case http.StatusTooManyRequests:
		return identity.RegisterResult{}, rtmerr.NewRetriable("Register", fmt.Errorf("rate-limited by cloud"))
	default:
		return identity.RegisterResult{}, rtmerr.NewTransient("Register", fmt.Sprintf("unexpected status %d", status), nil)
	}
}

// KeyExchange verifies the device still holds its registered api key,
// against POST /api/v1/device/{uuid}/key-exchange.
func (c *Client) KeyExchange(ctx context.Context, deviceUUID, apiKey string) (bool, error) {
	body := struct {
		DeviceAPIKey string `json:"deviceApiKey"`
	}{DeviceAPIKey: apiKey}

	status, err := c.doJSON(ctx, http.MethodPost, "/api/v1/device/"+deviceUUID+"/key-exchange", "Bearer "+apiKey, body, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// GetTargetState fetches the device's target state, honoring If-None-Match.
// A 304 response returns (nil, etag, nil) to signal "unchanged".
func (c *Client) GetTargetState(ctx context.Context, deviceUUID, apiKey, etag string) (ts *model.TargetState, newETag string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/device/"+deviceUUID+"/state", nil)
	if err != nil {
		return nil, "", fmt.Errorf("building target-state request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", rtmerr.NewRetriable("GetTargetState", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, etag, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", rtmerr.NewTransient("GetTargetState", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var payload map[string]struct {
		Apps map[string]model.AppSpec `json:"apps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, "", fmt.Errorf("decoding target state: %w", err)
	}

	out := &model.TargetState{Apps: map[int64]model.AppSpec{}}
	if device, ok := payload[deviceUUID]; ok {
		for _, app := range device.Apps {
			out.Apps[app.AppID] = app
		}
	}
	out.ETag = resp.Header.Get("ETag")
	return out, out.ETag, nil
}

// PatchCurrentState reports the device's observed reality, against
// PATCH /api/v1/device/state.
func (c *Client) PatchCurrentState(ctx context.Context, deviceUUID, apiKey string, cs *model.CurrentState) error {
	body := map[string]any{
		deviceUUID: map[string]any{
			"apps":               cs.Apps,
			"ip_address":         cs.Metadata.IPAddress,
			"mac_address":        cs.Metadata.MACAddress,
			"os_version":         cs.Metadata.OSVersion,
			"supervisor_version": cs.Metadata.SupervisorVersion,
			"uptime":             cs.Metrics.UptimeSeconds,
			"cpu_usage":          cs.Metrics.CPUUsagePercent,
			"cpu_temp":           cs.Metrics.CPUTempCelsius,
			"memory_usage":       cs.Metrics.MemoryUsageBytes,
			"memory_total":       cs.Metrics.MemoryTotalBytes,
			"storage_usage":      cs.Metrics.StorageUsageBytes,
			"storage_total":      cs.Metrics.StorageTotalBytes,
		},
	}

	status, err := c.doJSON(ctx, http.MethodPatch, "/api/v1/device/state", "Bearer "+apiKey, body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return rtmerr.NewTransient("PatchCurrentState", fmt.Sprintf("unexpected status %d", status), nil)
	}
	return nil
}

// UploadLogs sends a gzip-encoded batch of log entries, used only when the
// log pipeline's remote backend is HTTP-based rather than pkg/fabric.
func (c *Client) UploadLogs(ctx context.Context, deviceUUID, apiKey string, entries []model.LogEntry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshalling log batch: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("gzip-encoding log batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/device/"+deviceUUID+"/logs", &buf)
	if err != nil {
		return fmt.Errorf("building log-upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rtmerr.NewRetriable("UploadLogs", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rtmerr.NewTransient("UploadLogs", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	return nil
}

// doJSON sends a JSON request with the given method/path/auth header and
// decodes a JSON response into out (skipped if out is nil). It retries
// transport-level failures with bounded exponential backoff.
func (c *Client) doJSON(ctx context.Context, method, path, authHeader string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshalling request body: %w", err)
		}
	}

	operation := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", authHeader)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3))
	if err != nil {
		return 0, rtmerr.NewRetriable(path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
