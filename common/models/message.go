package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RunMessage is the queue payload that hands a pending run to a worker.
type RunMessage struct {
	RunID           string                 `json:"run_id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	TenantID        string                 `json:"tenant_id"`
	Mode            RunMode                `json:"mode"`
	Input           map[string]interface{} `json:"input,omitempty"`
	QueuedAt        int64                  `json:"queued_at"`
	Metadata        map[string]string      `json:"metadata,omitempty"`
}

// Key returns the partitioning key. One run always hashes to one partition,
// so a given run is processed by exactly one consumer at a time.
func (m *RunMessage) Key() string {
	return m.TenantID + ":" + m.RunID
}

// Headers returns the message headers carried alongside the payload.
func (m *RunMessage) Headers() map[string]string {
	return map[string]string{
		"tenant_id":        m.TenantID,
		"workflow_id":      m.WorkflowID,
		"mode":             string(m.Mode),
		"workflow_version": strconv.Itoa(m.WorkflowVersion),
	}
}

// Marshal serializes the message for the wire.
func (m *RunMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run message: %w", err)
	}
	return data, nil
}

// UnmarshalRunMessage decodes a wire payload. Callers treat failures as
// poison messages: logged, acknowledged, skipped.
func UnmarshalRunMessage(data []byte) (*RunMessage, error) {
	var m RunMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run message: %w", err)
	}
	if m.RunID == "" || m.TenantID == "" {
		return nil, fmt.Errorf("run message missing run_id or tenant_id")
	}
	return &m, nil
}
