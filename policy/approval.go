// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHookTimeout = 10 * time.Second

// HookClient POSTs write-approval requests to the configured webhook and
// waits synchronously for its verdict.
type HookClient struct {
	url    string
	client *http.Client
}

// NewHookClient builds the client from the policy's hook config.
func NewHookClient(cfg HookConfig) *HookClient {
	timeout := defaultHookTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return &HookClient{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

// hookPayload is the JSON body the webhook receives.
type hookPayload struct {
	DecisionID  string   `json:"decision_id"`
	TraceID     string   `json:"trace_id"`
	Tool        string   `json:"tool"`
	Connectors  []string `json:"connectors"`
	WriteMode   string   `json:"write_mode,omitempty"`
	RecordCount int      `json:"record_count"`
	Subject     string   `json:"subject,omitempty"`
	Tenant      string   `json:"tenant,omitempty"`
}

// hookReply is the verdict shape the webhook returns.
type hookReply struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Request asks the webhook to approve one write. The error return covers
// transport and decode failures; a clean refusal is (false, reason, nil).
func (h *HookClient) Request(ctx context.Context, d *Decision, in Input) (bool, string, error) {
	payload := hookPayload{
		DecisionID:  d.ID,
		TraceID:     d.TraceID,
		Tool:        in.Tool,
		Connectors:  in.Connectors,
		WriteMode:   in.Summary.WriteMode,
		RecordCount: in.Summary.RecordCount,
		Subject:     in.Identity.Subject,
		Tenant:      in.Identity.Tenant,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("approval hook returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, "", err
	}
	var reply hookReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return false, "", fmt.Errorf("approval hook reply is not valid JSON: %w", err)
	}
	return reply.Allowed, reply.Reason, nil
}
