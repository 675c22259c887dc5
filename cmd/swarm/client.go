package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/feed"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type auctionResult struct {
	TaskID        string            `json:"task_id"`
	Description   string            `json:"description"`
	Status        domain.TaskStatus `json:"status"`
	AssignedAgent *string           `json:"assigned_agent"`
	WinningBid    *int64            `json:"winning_bid"`
}

type spawnResult struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	PID     *int   `json:"pid"`
}

func (c *client) status() (domain.SwarmStatus, error) {
	var out domain.SwarmStatus
	err := c.getJSON("/swarm", &out)
	return out, err
}

func (c *client) listAgents() ([]domain.AgentRecord, error) {
	var out []domain.AgentRecord
	if err := c.getJSON("/swarm/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/swarm/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) auctionTask(description string) (auctionResult, error) {
	var out auctionResult
	// the call blocks for the whole bidding window
	long := *c.http
	long.Timeout = 0
	err := (&client{baseURL: c.baseURL, http: &long}).postJSON("/swarm/tasks/auction", map[string]any{"description": description}, &out)
	return out, err
}

func (c *client) spawnAgent(name string) (spawnResult, error) {
	var out spawnResult
	err := c.postJSON("/swarm/spawn", map[string]any{"name": name}, &out)
	return out, err
}

func (c *client) completeTask(taskID, result string) error {
	var out map[string]any
	if err := c.postJSON("/swarm/tasks/"+taskID+"/complete", map[string]any{"result": result}, &out); err != nil {
		return err
	}
	if msg, ok := out["error"].(string); ok {
		return fmt.Errorf("complete task: %s", msg)
	}
	return nil
}

func (c *client) healthy() bool {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 300
}

// follow streams the live feed into fn until ctx ends or the server goes away.
func (c *client) follow(ctx context.Context, fn func(feed.Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/swarm/live"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial live feed: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev feed.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		fn(ev)
	}
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
