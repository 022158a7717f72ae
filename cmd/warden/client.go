package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// APIClient provides HTTP client functionality to communicate with the
// warden daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:6767/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *APIClient) post(path string, body any) error {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	resp, err := c.client.Post(c.baseURL+path, "application/json", payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkResponse(resp)
}

func (c *APIClient) getJSON(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("API error: %s", resp.Status)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}

// Start brings the worker online via the API.
func (c *APIClient) Start() error { return c.post("/start", nil) }

// Stop requests a graceful worker shutdown via the API.
func (c *APIClient) Stop() error { return c.post("/stop", nil) }

// Restart stops the worker and schedules a delayed start via the API.
func (c *APIClient) Restart() error { return c.post("/restart", nil) }

// Command routes a console line through the daemon.
func (c *APIClient) Command(line string) error {
	return c.post("/command", map[string]string{"command": line})
}

// GetStatus fetches the worker status snapshot.
func (c *APIClient) GetStatus() (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON("/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConsole fetches the most recent buffered console lines.
func (c *APIClient) GetConsole(limit int) ([]string, error) {
	path := "/console"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := c.getJSON(path, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// GetConfig fetches the persisted worker configuration.
func (c *APIClient) GetConfig() (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON("/config", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutConfig merges a configuration update. Nil fields stay unchanged.
func (c *APIClient) PutConfig(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, c.baseURL+"/config", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkResponse(resp)
}
