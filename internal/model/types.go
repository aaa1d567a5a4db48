// Package model defines the JSON envelope every LaunchGuard command emits.
package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

// ErrorBody carries the exit code and its stable type name. Retryable tells
// an agent the same call may succeed once a transient RPC or relay failure
// clears.
type ErrorBody struct {
	Code      int    `json:"code"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	ChainID   int64            `json:"chain_id,omitempty"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	// KillSwitchActive is set by commands that consulted the kill switch.
	KillSwitchActive *bool `json:"kill_switch_active,omitempty"`
	Partial          bool  `json:"partial"`
}

// ProviderStatus reports the health of the RPC endpoint or relay a command
// submitted through.
type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}
