package mobilesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport replays queue items against the server's mutation endpoint.
type Transport struct {
	BaseURL string
	// Token returns the caregiver's current bearer token.
	Token func(ctx context.Context) (string, error)
	HTTP  *http.Client
}

func NewTransport(baseURL string, token func(ctx context.Context) (string, error)) *Transport {
	return &Transport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Ack is the server's acknowledgement of one mutation. Both APPLIED and
// DEFERRED mean the server holds the mutation durably, so either acks the
// local item.
type Ack struct {
	Status   string          `json:"status"`
	Replayed bool            `json:"replayed"`
	Result   json.RawMessage `json:"result"`
}

// RejectError is a definitive server refusal (HTTP 4xx). Replaying the same
// item cannot succeed.
type RejectError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"error_description"`
	Reason     string `json:"reason"`
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("server rejected mutation (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

type mutationRequest struct {
	VisitID           string          `json:"visit_id"`
	OperationType     string          `json:"operation_type"`
	ClientGeneratedID string          `json:"client_generated_id"`
	Sequence          int64           `json:"sequence"`
	Payload           json.RawMessage `json:"payload"`
}

// Submit posts one item. A nil error means the server holds the mutation; a
// *RejectError means it definitively refused it; any other error is
// transient and the item should be retried.
func (t *Transport) Submit(ctx context.Context, item Item) (*Ack, error) {
	token, err := t.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain token: %w", err)
	}

	body, err := json.Marshal(mutationRequest{
		VisitID:           item.VisitID,
		OperationType:     item.Operation,
		ClientGeneratedID: item.ID,
		Sequence:          item.Sequence,
		Payload:           item.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post mutation: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode < 300:
		var ack Ack
		if err := json.Unmarshal(raw, &ack); err != nil {
			return nil, fmt.Errorf("decode ack: %w", err)
		}
		return &ack, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		reject := &RejectError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, reject)
		return nil, reject

	default:
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
}
