// Package controlplane speaks the control plane's query protocol: one HTTP
// endpoint accepting {query, variables} and answering {data, errors}.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const requestTimeout = 10 * time.Second

type Client struct {
	url string
	hc  *http.Client
}

func New(url string) *Client {
	return &Client{url: url, hc: &http.Client{Timeout: requestTimeout}}
}

// PendingCommand is one queued work order. Command may be a JSON object or a
// JSON string holding an object, depending on how the backend stores it.
type PendingCommand struct {
	ID       int64           `json:"id"`
	Command  json.RawMessage `json:"command"`
	Priority int             `json:"priority"`
}

type UnitSpec struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Code     string `json:"code"`
	Checksum string `json:"checksum"`
}

type UpdateInfo struct {
	Version      string `json:"version"`
	Code         string `json:"code"`
	Checksum     string `json:"checksum"`
	ReleaseNotes string `json:"releaseNotes"`
}

type queryError struct {
	Message string `json:"message"`
}

func (c *Client) query(ctx context.Context, q string, vars map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{"query": q, "variables": vars})
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("query request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("query request: status %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []queryError    `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("query failed: %s", envelope.Errors[0].Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

const pendingCommandsQuery = `
query GetCommands($agentId: String!, $limit: Int) {
  getPendingCommands(agentId: $agentId, limit: $limit) {
    id
    command
    priority
  }
}`

func (c *Client) PendingCommands(ctx context.Context, agentID string, limit int) ([]PendingCommand, error) {
	var data struct {
		Commands []PendingCommand `json:"getPendingCommands"`
	}
	err := c.query(ctx, pendingCommandsQuery, map[string]any{"agentId": agentID, "limit": limit}, &data)
	if err != nil {
		return nil, err
	}
	return data.Commands, nil
}

const updateStatusMutation = `
mutation UpdateStatus($id: Int!, $status: String!, $result: JSON) {
  updateCommandStatus(id: $id, status: $status, result: $result) {
    id
  }
}`

func (c *Client) UpdateStatus(ctx context.Context, id int64, status string, res any) error {
	return c.query(ctx, updateStatusMutation, map[string]any{
		"id":     id,
		"status": status,
		"result": res,
	}, nil)
}

const heartbeatMutation = `
mutation Heartbeat($agentId: String!, $version: String, $status: String, $ipAddress: String, $hostname: String) {
  reportHeartbeat(agentId: $agentId, version: $version, status: $status, ipAddress: $ipAddress, hostname: $hostname)
}`

func (c *Client) ReportHeartbeat(ctx context.Context, agentID, version, status, ip, hostname string) error {
	return c.query(ctx, heartbeatMutation, map[string]any{
		"agentId":   agentID,
		"version":   version,
		"status":    status,
		"ipAddress": ip,
		"hostname":  hostname,
	}, nil)
}

const unitSetQuery = `
query GetPlugins {
  getPlugins {
    name
    version
    code
    checksum
  }
}`

func (c *Client) UnitSet(ctx context.Context) ([]UnitSpec, error) {
	var data struct {
		Units []UnitSpec `json:"getPlugins"`
	}
	if err := c.query(ctx, unitSetQuery, nil, &data); err != nil {
		return nil, err
	}
	return data.Units, nil
}

const latestVersionQuery = `
query GetAgentUpdate($currentVersion: String!) {
  getAgentUpdate(currentVersion: $currentVersion) {
    version
    code
    checksum
    releaseNotes
  }
}`

// LatestAgentVersion returns nil when no newer build is published.
func (c *Client) LatestAgentVersion(ctx context.Context, current string) (*UpdateInfo, error) {
	var data struct {
		Update *UpdateInfo `json:"getAgentUpdate"`
	}
	err := c.query(ctx, latestVersionQuery, map[string]any{"currentVersion": current}, &data)
	if err != nil {
		return nil, err
	}
	return data.Update, nil
}
