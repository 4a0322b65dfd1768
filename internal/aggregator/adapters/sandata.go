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

// Sandata submits visits to the Sandata aggregator API. Sandata wraps every
// response in a transaction envelope; acceptance is signalled by the
// transaction status, not just the HTTP code.
type Sandata struct {
	baseURL string
	account string
	client  *http.Client
	tokens  *tokenSource
}

// SandataConfig carries the per-environment connection settings.
type SandataConfig struct {
	BaseURL      string
	TokenURL     string
	Account      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

func NewSandata(cfg SandataConfig) (*Sandata, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sandata: base url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("sandata: client credentials are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return &Sandata{
		baseURL: cfg.BaseURL,
		account: cfg.Account,
		client:  client,
		tokens:  newTokenSource(client, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret),
	}, nil
}

func (a *Sandata) Name() string { return "SANDATA" }

type sandataEnvelope struct {
	Account string          `json:"account,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func (a *Sandata) SubmitVisit(ctx context.Context, payload []byte) (Result, error) {
	return a.post(ctx, a.baseURL+"/interfaces/intake/visits", payload)
}

func (a *Sandata) SubmitCorrection(ctx context.Context, originalConfirmationID string, payload []byte) (Result, error) {
	// Sandata corrections resubmit through the same intake endpoint with the
	// original transaction referenced in the envelope.
	wrapped, err := json.Marshal(struct {
		sandataEnvelope
		Amends string `json:"amendsTransactionId"`
	}{
		sandataEnvelope: sandataEnvelope{Account: a.account, Data: payload},
		Amends:          originalConfirmationID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sandata: wrap correction: %w", err)
	}
	return a.send(ctx, a.baseURL+"/interfaces/intake/visits", wrapped)
}

func (a *Sandata) post(ctx context.Context, url string, payload []byte) (Result, error) {
	wrapped, err := json.Marshal(sandataEnvelope{Account: a.account, Data: payload})
	if err != nil {
		return Result{}, fmt.Errorf("sandata: wrap payload: %w", err)
	}
	return a.send(ctx, url, wrapped)
}

func (a *Sandata) send(ctx context.Context, url string, body []byte) (Result, error) {
	resp, raw, err := a.do(ctx, url, body)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// The in-line refresh already spent its one attempt; the credentials
		// themselves are bad.
		return Result{
			ErrorCode:    "UNAUTHORIZED",
			ErrorMessage: "aggregator rejected credentials",
			Retryable:    false,
		}, nil
	}
	if resp.StatusCode >= 500 {
		return Result{
			ErrorCode:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			ErrorMessage: "aggregator unavailable",
			Retryable:    true,
		}, nil
	}

	var tx struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
		Reason        struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"reason"`
	}
	if err := json.Unmarshal(raw, &tx); err != nil {
		return Result{}, fmt.Errorf("sandata: malformed response")
	}

	if resp.StatusCode < 300 && tx.Status == "ACCEPTED" {
		if tx.TransactionID == "" {
			return Result{}, fmt.Errorf("sandata: acceptance without transaction id")
		}
		return Result{Accepted: true, ConfirmationID: tx.TransactionID}, nil
	}
	return Result{
		ErrorCode:    tx.Reason.Code,
		ErrorMessage: tx.Reason.Message,
		Retryable:    false,
	}, nil
}

// do sends the request, refreshing the token at most once on a 401 so an
// expired cached token is replaced in-line without burning a retry.
func (a *Sandata) do(ctx context.Context, url string, body []byte) (*http.Response, []byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return nil, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("sandata: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("sandata: %w", err)
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			a.tokens.invalidate()
			continue
		}
		return resp, raw, nil
	}
}
