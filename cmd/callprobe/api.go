package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mossy-p/campus-signaling/internal/handlers"
	"github.com/mossy-p/campus-signaling/internal/ice"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

// apiClient talks to the service's JSON API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: base, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool                `json:"success"`
		Data    json.RawMessage     `json:"data"`
		Error   *response.ErrorInfo `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s %s: %s (%s)", method, path, env.Error.Message, env.Error.Code)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *apiClient) login(ctx context.Context, username, password string) (string, error) {
	var out handlers.LoginResponse
	if err := c.call(ctx, http.MethodPost, "/api/auth/login", handlers.LoginRequest{Username: username, Password: password}, &out); err != nil {
		return "", err
	}
	c.token = out.Token
	return out.UserID, nil
}

func (c *apiClient) iceServers(ctx context.Context) ([]ice.Server, error) {
	var out handlers.ICEServersResponse
	if err := c.call(ctx, http.MethodGet, "/api/ice-servers", nil, &out); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}

func (c *apiClient) recordCall(ctx context.Context, req handlers.RecordCallRequest) error {
	return c.call(ctx, http.MethodPost, "/api/calls", req, nil)
}
