package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAggregator serves a token endpoint and a scripted visit endpoint. When
// firstVisitStatus is set, the first visit call answers with it and later
// calls fall through to visitStatus.
type fakeAggregator struct {
	t                *testing.T
	tokenCalls       atomic.Int32
	visitCalls       atomic.Int32
	visitStatus      int
	visitBody        string
	firstVisitStatus int
	firstVisitBody   string
	lastAuth         string
}

func (f *fakeAggregator) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		require.NoError(f.t, r.ParseForm())
		require.Equal(f.t, "client_credentials", r.FormValue("grant_type"))
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")
		if f.visitCalls.Add(1) == 1 && f.firstVisitStatus != 0 {
			w.WriteHeader(f.firstVisitStatus)
			w.Write([]byte(f.firstVisitBody))
			return
		}
		w.WriteHeader(f.visitStatus)
		w.Write([]byte(f.visitBody))
	})
	return httptest.NewServer(mux)
}

func newTestHHA(t *testing.T, srv *httptest.Server) *HHAeXchange {
	a, err := NewHHAeXchange(HHAeXchangeConfig{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "cid",
		ClientSecret: "secret",
	})
	require.NoError(t, err)
	return a
}

func TestHHAeXchangeAccepted(t *testing.T) {
	fake := &fakeAggregator{t: t, visitStatus: 200, visitBody: `{"ConfirmationID":"HHA-42"}`}
	srv := fake.server()
	defer srv.Close()

	res, err := newTestHHA(t, srv).SubmitVisit(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "HHA-42", res.ConfirmationID)
	assert.Equal(t, "Bearer tok-1", fake.lastAuth)
}

func TestHHAeXchangeClientErrorNotRetryable(t *testing.T) {
	fake := &fakeAggregator{t: t, visitStatus: 400,
		visitBody: `{"ErrorCode":"INVALID_MEMBER_ID","Message":"member not found"}`}
	srv := fake.server()
	defer srv.Close()

	res, err := newTestHHA(t, srv).SubmitVisit(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.Retryable)
	assert.Equal(t, "INVALID_MEMBER_ID", res.ErrorCode)
}

func TestHHAeXchangeServerErrorRetryable(t *testing.T) {
	fake := &fakeAggregator{t: t, visitStatus: 503, visitBody: `{}`}
	srv := fake.server()
	defer srv.Close()

	res, err := newTestHHA(t, srv).SubmitVisit(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.True(t, res.Retryable)
	assert.Equal(t, "HTTP_503", res.ErrorCode)
}

func TestHHAeXchangeTokenCachedAcrossCalls(t *testing.T) {
	fake := &fakeAggregator{t: t, visitStatus: 200, visitBody: `{"ConfirmationID":"HHA-1"}`}
	srv := fake.server()
	defer srv.Close()

	a := newTestHHA(t, srv)
	for range 3 {
		_, err := a.SubmitVisit(context.Background(), []byte(`{}`))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fake.tokenCalls.Load())
}

func TestHHAeXchangeExpiredTokenRefreshedInLine(t *testing.T) {
	// A revoked cached token earns exactly one in-line re-auth; the attempt
	// then succeeds without spending a retry.
	fake := &fakeAggregator{t: t,
		firstVisitStatus: 401, firstVisitBody: `{}`,
		visitStatus: 200, visitBody: `{"ConfirmationID":"HHA-9"}`}
	srv := fake.server()
	defer srv.Close()

	res, err := newTestHHA(t, srv).SubmitVisit(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "HHA-9", res.ConfirmationID)
	assert.Equal(t, int32(2), fake.tokenCalls.Load(), "401 should force exactly one re-auth")
	assert.Equal(t, int32(2), fake.visitCalls.Load())
}

func TestHHAeXchangeBadCredentialsNotRetryable(t *testing.T) {
	fake := &fakeAggregator{t: t, visitStatus: 401, visitBody: `{}`}
	srv := fake.server()
	defer srv.Close()

	res, err := newTestHHA(t, srv).SubmitVisit(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.Retryable, "a 401 surviving a fresh token is bad credentials, not a transient")
	assert.Equal(t, "UNAUTHORIZED", res.ErrorCode)
	assert.Equal(t, int32(2), fake.tokenCalls.Load(), "refresh is capped at one attempt")
	assert.Equal(t, int32(2), fake.visitCalls.Load())
}

func newTestSandata(t *testing.T, srv *httptest.Server) *Sandata {
	a, err := NewSandata(SandataConfig{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		Account:      "acct-9",
		ClientID:     "cid",
		ClientSecret: "secret",
	})
	require.NoError(t, err)
	return a
}

func TestSandataAccepted(t *testing.T) {
	fake := &fakeAggregator{t: t, visitStatus: 200,
		visitBody: `{"transactionId":"SAN-7","status":"ACCEPTED"}`}
	srv := fake.server()
	defer srv.Close()

	res, err := newTestSandata(t, srv).SubmitVisit(context.Background(), []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "SAN-7", res.ConfirmationID)
}

func TestSandataEnvelopeRejection(t *testing.T) {
	// Sandata can refuse inside a 200 envelope.
	fake := &fakeAggregator{t: t, visitStatus: 200,
		visitBody: `{"transactionId":"SAN-8","status":"REJECTED","reason":{"code":"DUP_VISIT","message":"duplicate"}}`}
	srv := fake.server()
	defer srv.Close()

	res, err := newTestSandata(t, srv).SubmitVisit(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.Retryable)
	assert.Equal(t, "DUP_VISIT", res.ErrorCode)
}

func TestSandataBadCredentialsNotRetryable(t *testing.T) {
	fake := &fakeAggregator{t: t, visitStatus: 401, visitBody: `{}`}
	srv := fake.server()
	defer srv.Close()

	res, err := newTestSandata(t, srv).SubmitVisit(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.Retryable)
	assert.Equal(t, "UNAUTHORIZED", res.ErrorCode)
	assert.Equal(t, int32(2), fake.tokenCalls.Load(), "refresh is capped at one attempt")
}

func TestRegistryOneAdapterPerState(t *testing.T) {
	r := NewRegistry()
	fake := &fakeAggregator{t: t}
	srv := fake.server()
	defer srv.Close()

	hha := newTestHHA(t, srv)
	san := newTestSandata(t, srv)

	require.NoError(t, r.Register("TX", hha))
	require.NoError(t, r.Register("OH", san))
	assert.Error(t, r.Register("TX", san), "second adapter for a state must be refused")
	assert.Error(t, r.Register("ZZ", hha), "invalid state code must be refused")

	got, err := r.ForState("TX")
	require.NoError(t, err)
	assert.Equal(t, "HHAEXCHANGE", got.Name())

	_, err = r.ForState("CA")
	assert.Error(t, err)
}
