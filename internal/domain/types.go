package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusBidding   TaskStatus = "bidding"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusBidding, TaskStatusAssigned,
		TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusOffline:
		return true
	}
	return false
}

type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	AssignedAgent *string    `json:"assigned_agent"`
	Result        *string    `json:"result"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// TaskUpdate carries the fields that may change after creation. Nil fields
// are left untouched.
type TaskUpdate struct {
	Status        *TaskStatus
	AssignedAgent *string
	Result        *string
	CompletedAt   *time.Time
}

func (u TaskUpdate) Empty() bool {
	return u.Status == nil && u.AssignedAgent == nil && u.Result == nil && u.CompletedAt == nil
}

type AgentRecord struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Status       AgentStatus `json:"status"`
	Capabilities string      `json:"capabilities"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeen     time.Time   `json:"last_seen"`
}

func (a AgentRecord) CapabilitySet() []string {
	if a.Capabilities == "" {
		return nil
	}
	return strings.Split(a.Capabilities, ",")
}

// NormalizeCapabilities turns a loose comma separated tag list into its
// canonical form: trimmed, deduplicated and sorted.
func NormalizeCapabilities(raw string) string {
	seen := make(map[string]struct{})
	tags := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		tag := strings.TrimSpace(part)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return strings.Join(tags, ",")
}

type Bid struct {
	AgentID string `json:"agent_id"`
	BidSats int64  `json:"bid_sats"`
	TaskID  string `json:"task_id"`
}

type SwarmMessage struct {
	Channel   string         `json:"channel"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

func (m SwarmMessage) JSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseSwarmMessage(raw []byte) (SwarmMessage, error) {
	var msg SwarmMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return SwarmMessage{}, fmt.Errorf("decode swarm message: %w", err)
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	return msg, nil
}

type SwarmStatus struct {
	Agents         int `json:"agents"`
	AgentsIdle     int `json:"agents_idle"`
	AgentsBusy     int `json:"agents_busy"`
	TasksTotal     int `json:"tasks_total"`
	TasksPending   int `json:"tasks_pending"`
	TasksRunning   int `json:"tasks_running"`
	TasksCompleted int `json:"tasks_completed"`
	ActiveAuctions int `json:"active_auctions"`
}

func StringPtr(v string) *string {
	return &v
}

func StatusPtr(v TaskStatus) *TaskStatus {
	return &v
}
