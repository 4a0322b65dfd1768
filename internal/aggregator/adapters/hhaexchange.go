package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HHAeXchange submits visits to the HHAeXchange aggregator API.
type HHAeXchange struct {
	baseURL string
	client  *http.Client
	tokens  *tokenSource
}

// HHAeXchangeConfig carries the per-environment connection settings.
type HHAeXchangeConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

func NewHHAeXchange(cfg HHAeXchangeConfig) (*HHAeXchange, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("hhaexchange: base url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("hhaexchange: client credentials are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return &HHAeXchange{
		baseURL: cfg.BaseURL,
		client:  client,
		tokens:  newTokenSource(client, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret),
	}, nil
}

func (a *HHAeXchange) Name() string { return "HHAEXCHANGE" }

func (a *HHAeXchange) SubmitVisit(ctx context.Context, payload []byte) (Result, error) {
	return a.post(ctx, a.baseURL+"/api/v2/visits", payload)
}

func (a *HHAeXchange) SubmitCorrection(ctx context.Context, originalConfirmationID string, payload []byte) (Result, error) {
	return a.post(ctx, a.baseURL+"/api/v2/visits/"+originalConfirmationID+"/corrections", payload)
}

func (a *HHAeXchange) post(ctx context.Context, url string, payload []byte) (Result, error) {
	resp, body, err := a.do(ctx, url, payload)
	if err != nil {
		return Result{}, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ok struct {
			ConfirmationID string `json:"ConfirmationID"`
		}
		if err := json.Unmarshal(body, &ok); err != nil || ok.ConfirmationID == "" {
			return Result{}, fmt.Errorf("hhaexchange: malformed acceptance response")
		}
		return Result{Accepted: true, ConfirmationID: ok.ConfirmationID}, nil

	case resp.StatusCode == http.StatusUnauthorized:
		// One in-line token refresh already happened; a second 401 means the
		// credentials themselves are bad, not the cached token.
		return Result{
			ErrorCode:    "UNAUTHORIZED",
			ErrorMessage: "aggregator rejected credentials",
			Retryable:    false,
		}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		code, msg := decodeHHAError(body)
		return Result{ErrorCode: code, ErrorMessage: msg, Retryable: false}, nil

	default:
		code, msg := decodeHHAError(body)
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return Result{ErrorCode: code, ErrorMessage: msg, Retryable: true}, nil
	}
}

// do sends the request, refreshing the token at most once on a 401 so an
// expired cached token is replaced in-line without burning a retry.
func (a *HHAeXchange) do(ctx context.Context, url string, payload []byte) (*http.Response, []byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return nil, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, nil, fmt.Errorf("hhaexchange: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("hhaexchange: %w", err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			a.tokens.invalidate()
			continue
		}
		return resp, body, nil
	}
}

func decodeHHAError(body []byte) (code, msg string) {
	var e struct {
		ErrorCode string `json:"ErrorCode"`
		Message   string `json:"Message"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	return e.ErrorCode, e.Message
}
