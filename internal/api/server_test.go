package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/witnz/proofchain/internal/alert"
	"github.com/witnz/proofchain/internal/api"
	"github.com/witnz/proofchain/internal/consensus"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
	"github.com/witnz/proofchain/internal/ledger/ledgertest"
	"go.uber.org/zap"
)

type fixture struct {
	server *api.Server
	ledger *ledger.Ledger
	store  *ledger.MemoryStore
	hasher hash.Hasher
}

func setup(t *testing.T, cfg api.Config, submitter ledger.Submitter, alerts *alert.Manager) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h, err := hash.New(hash.AlgorithmSHA256)
	require.NoError(t, err)
	store := ledger.NewMemoryStore()
	l := ledger.New(store, h)

	srv, err := api.NewServer(cfg, api.NewHandler(l, submitter, alerts, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	return &fixture{server: srv, ledger: l, store: store, hasher: h}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func TestSubmitVerifyAndLookup(t *testing.T) {
	f := setup(t, api.Config{}, nil, nil)

	w, resp := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("alpha"), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	proofHash := resp["proof_hash"].(string)
	require.Len(t, proofHash, 64)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, resp = f.do(t, http.MethodGet, "/api/v1/proofs/"+proofHash, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, proofHash, resp["proof_hash"])
	require.Equal(t, "anonymous", resp["submitter"])
	require.Equal(t, hash.ZeroDigest.String(), resp["previous_hash"])

	dataHash := f.hasher.Sum([]byte("alpha")).String()
	w, resp = f.do(t, http.MethodGet, "/api/v1/data/"+dataHash, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, proofHash, resp["proof_hash"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/proofs/"+proofHash+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, resp["valid"])
}

func TestSubmitJSONBody(t *testing.T) {
	f := setup(t, api.Config{}, nil, nil)

	body, err := json.Marshal(map[string][]byte{"data": []byte("beta")})
	require.NoError(t, err)

	w, resp := f.do(t, http.MethodPost, "/api/v1/proofs", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	d, err := hash.ParseDigest(resp["proof_hash"].(string))
	require.NoError(t, err)
	record, err := f.ledger.Proof(t.Context(), d)
	require.NoError(t, err)
	require.Equal(t, f.hasher.Sum([]byte("beta")), record.DataHash)

	w, _ = f.do(t, http.MethodPost, "/api/v1/proofs", []byte("{not json"), map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitDuplicate(t *testing.T) {
	f := setup(t, api.Config{}, nil, nil)

	_, first := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("alpha"), nil)

	w, resp := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("alpha"), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "duplicate_data", resp["error"])
	require.Equal(t, first["proof_hash"], resp["proof_hash"])

	status, err := f.ledger.Status(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 1, status.Count)
}

func TestSubmitBodyTooLarge(t *testing.T) {
	f := setup(t, api.Config{MaxBodySize: 4}, nil, nil)

	w, _ := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("far too long"), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestLookupErrors(t *testing.T) {
	f := setup(t, api.Config{}, nil, nil)
	unknown := f.hasher.Sum([]byte("nothing")).String()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"proof not found", http.MethodGet, "/api/v1/proofs/" + unknown, http.StatusNotFound},
		{"proof bad hash", http.MethodGet, "/api/v1/proofs/xyz", http.StatusBadRequest},
		{"data not found", http.MethodGet, "/api/v1/data/" + unknown, http.StatusNotFound},
		{"verify not found", http.MethodPost, "/api/v1/proofs/" + unknown + "/verify", http.StatusNotFound},
		{"verify bad hash", http.MethodPost, "/api/v1/proofs/abc/verify", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := f.do(t, tt.method, tt.path, nil, nil)
			require.Equal(t, tt.want, w.Code)
		})
	}
}

func TestVerifyTamperedProofAlerts(t *testing.T) {
	var posts atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	f := setup(t, api.Config{}, nil, alert.NewManager(true, hook.URL, zap.NewNop()))

	record := ledgertest.Record(f.hasher, "alpha", hash.ZeroDigest, 1)
	record.Timestamp++
	require.NoError(t, f.store.Commit(t.Context(), record))

	w, resp := f.do(t, http.MethodPost, "/api/v1/proofs/"+record.ProofHash.String()+"/verify", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, false, resp["valid"])
	require.Equal(t, "tampered_proof", resp["error"])
	require.EqualValues(t, 1, posts.Load())

	w, resp = f.do(t, http.MethodGet, "/api/v1/ledger/verify", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, resp["valid"])
	require.Equal(t, "tampered_proof", resp["error"])
	require.EqualValues(t, 2, posts.Load())
}

func TestLedgerOverviewAndVerify(t *testing.T) {
	f := setup(t, api.Config{}, nil, nil)

	w, resp := f.do(t, http.MethodGet, "/api/v1/ledger", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 0, resp["count"])
	require.NotContains(t, resp, "tip")

	for _, data := range []string{"alpha", "beta", "gamma"} {
		w, _ := f.do(t, http.MethodPost, "/api/v1/proofs", []byte(data), nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	root, err := f.ledger.Commitment(t.Context())
	require.NoError(t, err)
	status, err := f.ledger.Status(t.Context())
	require.NoError(t, err)

	w, resp = f.do(t, http.MethodGet, "/api/v1/ledger", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 3, resp["count"])
	require.Equal(t, hash.AlgorithmSHA256, resp["algorithm"])
	require.Equal(t, root.String(), resp["merkle_root"])
	require.Equal(t, status.Tip.String(), resp["tip"])

	w, resp = f.do(t, http.MethodGet, "/api/v1/ledger/verify", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, resp["valid"])
	require.EqualValues(t, 3, resp["length"])
	require.Equal(t, status.Tip.String(), resp["tip"])
}

func TestAuthentication(t *testing.T) {
	f := setup(t, api.Config{JWTSecret: "s3cret"}, nil, nil)
	require.NotNil(t, f.server.Tokens())

	w, _ := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("alpha"), nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/ledger", nil, map[string]string{"Authorization": "Bearer garbage"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := api.NewTokenIssuer("another-secret", 0)
	require.NoError(t, err)
	forged, err := other.Issue("mallory")
	require.NoError(t, err)
	w, _ = f.do(t, http.MethodGet, "/api/v1/ledger", nil, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := f.server.Tokens().Issue("alice")
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	w, resp := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("alpha"), auth)
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp = f.do(t, http.MethodGet, "/api/v1/proofs/"+resp["proof_hash"].(string), nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "alice", resp["submitter"])

	// Health and metrics stay public.
	w, _ = f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "proofchain_requests_total")
}

func TestRateLimitOnWrites(t *testing.T) {
	f := setup(t, api.Config{RateLimit: 1, RateBurst: 1}, nil, nil)

	w, _ := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("alpha"), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/proofs", []byte("beta"), nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "1", w.Header().Get("Retry-After"))

	// Reads are not limited.
	for i := 0; i < 5; i++ {
		w, _ = f.do(t, http.MethodGet, "/api/v1/ledger", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

type notLeader struct{}

func (notLeader) SubmitData(context.Context, ledger.Identity, []byte) (hash.Digest, error) {
	return hash.ZeroDigest, fmt.Errorf("%w: leader is %q", consensus.ErrNotLeader, "node2")
}

func TestSubmitOnFollower(t *testing.T) {
	f := setup(t, api.Config{}, notLeader{}, nil)

	w, resp := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("alpha"), nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "not_leader", resp["error"])
}

type failingSubmitter struct{ err error }

func (s failingSubmitter) SubmitData(context.Context, ledger.Identity, []byte) (hash.Digest, error) {
	return hash.ZeroDigest, s.err
}

func TestSubmitErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"raft not started", consensus.ErrNotInitialized, http.StatusServiceUnavailable, "not_ready"},
		{"tip moved", &ledger.ProofError{Kind: ledger.ErrStaleTip}, http.StatusConflict, "stale_tip"},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, api.Config{}, failingSubmitter{err: tt.err}, nil)

			w, resp := f.do(t, http.MethodPost, "/api/v1/proofs", []byte("alpha"), nil)
			require.Equal(t, tt.status, w.Code)
			require.Equal(t, tt.code, resp["error"])
		})
	}
}

func TestSubmitJSONWithoutData(t *testing.T) {
	f := setup(t, api.Config{}, nil, nil)
	jsonHeader := map[string]string{"Content-Type": "application/json"}

	for _, body := range []string{`{"payload":"YWxwaGE="}`, `{}`, `{"data":null}`} {
		w, resp := f.do(t, http.MethodPost, "/api/v1/proofs", []byte(body), jsonHeader)
		require.Equal(t, http.StatusBadRequest, w.Code, body)
		require.Equal(t, "missing data field", resp["error"], body)
	}

	status, err := f.ledger.Status(t.Context())
	require.NoError(t, err)
	require.Zero(t, status.Count)

	w, _ := f.do(t, http.MethodPost, "/api/v1/proofs", []byte(`{"data":""}`), jsonHeader)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRequestIDPropagation(t *testing.T) {
	f := setup(t, api.Config{}, nil, nil)
	id := "6f1c2f4e-8a61-4c3a-9d0b-2f8f7d1f9a11"

	w, _ := f.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": id})
	require.Equal(t, id, w.Header().Get("X-Request-ID"))

	w, _ = f.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": "not-a-uuid"})
	require.NotEqual(t, "not-a-uuid", w.Header().Get("X-Request-ID"))
}
