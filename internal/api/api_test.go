package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/custody"
	"shieldpool/internal/fault"
	"shieldpool/internal/metrics"
	"shieldpool/internal/pool"
	"shieldpool/internal/store"
	"shieldpool/internal/verifier"
	"shieldpool/internal/verifier/verifiertest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// client is an API user holding an ed25519 key; id is its identity.
type client struct {
	id  string
	key ed25519.PrivateKey
}

func newClient(t *testing.T) client {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return client{id: hex.EncodeToString(pub), key: priv}
}

type fixture struct {
	t       *testing.T
	engine  *pool.Engine
	custody *custody.Ledger
	fx      map[pool.Kind]*verifiertest.Fixture
	server  *Server

	admin, alice, bob client
	lastTS            int64
}

func newFixture(t *testing.T, limiter *OwnerLimiter) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(store.Options{InMemory: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		t:     t,
		admin: newClient(t),
		alice: newClient(t),
		bob:   newClient(t),
		fx: map[pool.Kind]*verifiertest.Fixture{
			pool.Shield:   verifiertest.NewFixture(1),
			pool.Unshield: verifiertest.NewFixture(2),
			pool.Transfer: verifiertest.NewFixture(3),
		},
	}
	authority := f.admin.id
	f.custody = custody.NewLedger(authority)

	cfg := pool.DefaultConfig("main", authority)
	cfg.MinIntervals = map[pool.Kind]time.Duration{}
	strategy, err := verifier.NewGroth16Strategy(4)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	f.engine, err = pool.Open(ctx, cfg, pool.Deps{
		Store:     st,
		Strategy:  strategy,
		Custodian: f.custody,
		Metrics:   m,
		Log:       zerolog.Nop(),
		Audit:     zerolog.Nop(),
	})
	require.NoError(t, err)
	for _, k := range pool.Kinds {
		rec := f.fx[k].Record(k.String(), authority)
		require.NoError(t, f.engine.RegisterKey(ctx, rec, authority))
		require.NoError(t, f.engine.ActivateKey(ctx, k, rec.Ref(), authority))
	}
	require.NoError(t, f.custody.Credit(f.alice.id, 100))

	health := NewHealthChecker("test")
	health.RegisterComponent("engine", func(context.Context) error { return f.engine.Healthy() })
	health.RegisterComponent("store", st.Ping)
	f.server, err = New(Options{
		Engine:         f.engine,
		Limiter:        limiter,
		Health:         health,
		Metrics:        m,
		Gatherer:       reg,
		RequestTimeout: 5 * time.Second,
		Log:            zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) encode(body any) []byte {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	return buf.Bytes()
}

// sign returns the headers of a request signed by c at ts.
func (f *fixture) sign(c client, method, path string, raw []byte, ts int64) http.Header {
	h := http.Header{}
	h.Set(SignerHeader, c.id)
	h.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	h.Set(SignatureHeader, hex.EncodeToString(ed25519.Sign(c.key, RequestDigest(method, path, ts, raw))))
	return h
}

// now returns a fresh timestamp for every signed request.
func (f *fixture) now() int64 {
	ts := time.Now().UnixNano()
	if ts <= f.lastTS {
		ts = f.lastTS + 1
	}
	f.lastTS = ts
	return ts
}

func (f *fixture) send(method, path string, raw []byte, h http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

// do sends an unsigned request.
func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.send(method, path, f.encode(body), nil)
}

// as sends a request signed by c.
func (f *fixture) as(c client, method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	raw := f.encode(body)
	return f.send(method, path, raw, f.sign(c, method, path, raw, f.now()))
}

func (f *fixture) vault(c client) string { return "/v1/vaults/" + c.id }

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decode(t, w, &body)
	return body.Error.Kind
}

func TestShieldOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.alice
	cm := pool.Hash{31: 7}
	fields := pool.Fields{Amount: 40, Commitment: cm}

	w := f.as(alice, http.MethodPost, f.vault(alice)+"/operations", gin.H{
		"kind":   "shield",
		"fields": gin.H{"amount": 40, "commitment": cm.String()},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID pool.ID `json:"id"`
	}
	decode(t, w, &created)
	assert.Equal(t, pool.OperationID(pool.Shield, fields), created.ID)
	base := f.vault(alice) + "/operations/" + created.ID.String()

	pi := pool.ExpectedPublicInputs(pool.Shield, fields)
	w = f.as(alice, http.MethodPost, base+"/payload", gin.H{
		"proof":         hex.EncodeToString(f.fx[pool.Shield].Prove(pi)),
		"public_inputs": hex.EncodeToString(pi),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view OperationView
	decode(t, w, &view)
	assert.Equal(t, pool.Pending, view.Status)
	assert.True(t, view.HasPayload)

	w = f.as(alice, http.MethodPost, base+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"verified"`)

	w = f.as(alice, http.MethodPost, base+"/execute", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
	assert.Equal(t, uint64(60), f.custody.Balance(alice.id))

	w = f.do(http.MethodGet, "/v1/pool", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state pool.State
	decode(t, w, &state)
	assert.Equal(t, uint64(1), state.OperationCount)
	assert.Equal(t, uint64(40), state.TotalShielded)
	assert.Equal(t, f.engine.State().Root, state.Root)

	w = f.do(http.MethodGet, "/v1/pool/roots/"+state.Root.String(), nil)
	assert.Contains(t, w.Body.String(), `"known":true`)

	w = f.do(http.MethodGet, "/v1/pool/tree", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tree TreeView
	decode(t, w, &tree)
	assert.Equal(t, "sha256", tree.Hasher)
	require.Len(t, tree.Recent, 1)
	assert.Equal(t, cm, tree.Recent[0].Commitment)
	assert.Len(t, tree.Frontier, tree.Depth)

	w = f.as(alice, http.MethodGet, f.vault(alice)+"/operations", nil)
	assert.Equal(t, `{"operations":[]}`, w.Body.String())

	// the same commitment cannot be shielded twice
	w = f.as(alice, http.MethodPost, f.vault(alice)+"/operations", gin.H{
		"kind":   "shield",
		"fields": gin.H{"amount": 40, "commitment": cm.String()},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.alice
	ops := f.vault(alice) + "/operations"

	w := f.as(alice, http.MethodGet, ops+"/zz", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidInput", errorKind(t, w))

	w = f.as(alice, http.MethodGet, ops+"/"+pool.Hash{1}.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.as(alice, http.MethodPost, ops, gin.H{"kind": "mint", "fields": gin.H{"amount": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.as(alice, http.MethodPost, ops, gin.H{
		"kind":   "shield",
		"fields": gin.H{"amount": 5, "commitment": pool.Hash{31: 1}.String()},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID pool.ID `json:"id"`
	}
	decode(t, w, &created)
	op := ops + "/" + created.ID.String()

	w = f.as(alice, http.MethodPost, op+"/verify", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.as(alice, http.MethodPost, op+"/apply", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "StateConflict", errorKind(t, w))

	w = f.as(alice, http.MethodPost, op+"/teleport", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.as(alice, http.MethodPost, op+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"failed"`)

	w = f.as(alice, http.MethodDelete, ops+"/failed", nil)
	assert.Equal(t, `{"removed":1}`, w.Body.String())

	w = f.as(alice, http.MethodPost, f.vault(alice)+"/batch", gin.H{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKeyEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/v1/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var keys struct {
		Keys   []map[string]any          `json:"keys"`
		Active map[string]map[string]any `json:"active"`
	}
	decode(t, w, &keys)
	assert.Len(t, keys.Keys, 3)
	assert.Len(t, keys.Active, 3)
	assert.NotContains(t, keys.Keys[0], "authority")
	assert.NotContains(t, w.Body.String(), f.admin.id)

	ref := gin.H{"circuit_tag": "shield", "version": 1}
	w = f.do(http.MethodPost, "/v1/keys/revoke", ref)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.as(f.bob, http.MethodPost, "/v1/keys/revoke", ref)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Unauthorized", errorKind(t, w))

	w = f.as(f.admin, http.MethodPost, "/v1/keys/revoke", ref)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.as(f.admin, http.MethodPost, "/v1/keys/activate", gin.H{"kind": "shield", "circuit_tag": "shield", "version": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// the key is recorded under the signer, whatever the body claims
	rec := verifiertest.NewFixture(1).Record("shield", "someone-else")
	rec.Version = 2
	w = f.as(f.admin, http.MethodPost, "/v1/keys", gin.H{"key": gin.H{
		"circuit_tag": rec.CircuitTag, "version": rec.Version,
		"key_bytes": hex.EncodeToString(rec.KeyBytes), "authority": "someone-else",
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	for _, k := range f.engine.Keys() {
		assert.Equal(t, f.admin.id, k.Authority)
	}
	w = f.as(f.admin, http.MethodPost, "/v1/keys/activate", gin.H{"kind": "shield", "circuit_tag": "shield", "version": 2})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestOnlyTheAuthorityManagesKeys(t *testing.T) {
	f := newFixture(t, nil)
	intruder := verifiertest.NewFixture(9).Record("unshield", f.admin.id)
	intruder.Version = 2
	register := gin.H{"key": gin.H{
		"circuit_tag": intruder.CircuitTag, "version": intruder.Version,
		"key_bytes": hex.EncodeToString(intruder.KeyBytes), "authority": f.admin.id,
	}}
	activate := gin.H{"kind": "unshield", "circuit_tag": "unshield", "version": 2}

	for _, w := range []*httptest.ResponseRecorder{
		f.do(http.MethodPost, "/v1/keys", register),
		f.as(f.bob, http.MethodPost, "/v1/keys", register),
		f.do(http.MethodPost, "/v1/keys/activate", activate),
		f.as(f.bob, http.MethodPost, "/v1/keys/activate", activate),
	} {
		assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
		assert.Equal(t, "Unauthorized", errorKind(t, w))
	}
	assert.Len(t, f.engine.Keys(), 3)
	assert.Equal(t, uint32(1), f.engine.State().ActiveKeys["unshield"].Version)
}

func TestVaultsAdmitOnlyTheirOwner(t *testing.T) {
	f := newFixture(t, nil)
	alice, bob := f.alice, f.bob
	ops := f.vault(alice) + "/operations"
	shield := gin.H{"kind": "shield", "fields": gin.H{"amount": 50, "commitment": pool.Hash{31: 9}.String()}}

	w := f.do(http.MethodPost, ops, shield)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Unauthorized", errorKind(t, w))

	w = f.as(bob, http.MethodPost, ops, shield)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "owner mismatch")

	w = f.as(bob, http.MethodGet, ops, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.engine.List(alice.id))

	// a signature covers the body
	raw := f.encode(shield)
	h := f.sign(alice, http.MethodPost, ops, raw, f.now())
	tampered := f.encode(gin.H{"kind": "shield", "fields": gin.H{"amount": 99, "commitment": pool.Hash{31: 9}.String()}})
	w = f.send(http.MethodPost, ops, tampered, h)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// and the path
	w = f.send(http.MethodPost, f.vault(bob)+"/operations", raw, h)
	assert.Equal(t, http.StatusForbidden, w.Code)

	stale := time.Now().Add(-time.Hour).UnixNano()
	w = f.send(http.MethodPost, ops, raw, f.sign(alice, http.MethodPost, ops, raw, stale))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.engine.List(alice.id))

	w = f.send(http.MethodPost, ops, raw, h)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = f.send(http.MethodPost, ops, raw, h)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), fault.ErrReplayedRequest.Error())
	assert.Len(t, f.engine.List(alice.id), 1)
	assert.Equal(t, uint64(100), f.custody.Balance(alice.id))
}

func TestOwnerRateLimit(t *testing.T) {
	f := newFixture(t, NewOwnerLimiter(0.001, 2))
	ops := f.vault(f.alice) + "/operations"

	assert.Equal(t, http.StatusOK, f.as(f.alice, http.MethodGet, ops, nil).Code)
	assert.Equal(t, http.StatusOK, f.as(f.alice, http.MethodGet, ops, nil).Code)
	w := f.as(f.alice, http.MethodGet, ops, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "ResourceExhausted", errorKind(t, w))

	// unauthenticated requests do not spend the owner's budget
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, f.vault(f.bob)+"/operations", nil).Code)
	assert.Equal(t, http.StatusOK, f.as(f.bob, http.MethodGet, f.vault(f.bob)+"/operations", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h SystemHealth
	decode(t, w, &h)
	assert.Equal(t, Healthy, h.OverallStatus)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "engine", h.Components[0].Name)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "shieldpool_api_request_duration_seconds"))
}

func TestHealthCheckerStatuses(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterComponent("ok", func(context.Context) error { return nil })
	hc.RegisterComponent("slow", func(context.Context) error { return &DegradedError{Reason: "lagging"} })
	assert.Equal(t, Degraded, hc.CheckHealth(context.Background()).OverallStatus)

	hc.RegisterComponent("down", func(context.Context) error { return errors.New("gone") })
	h := hc.CheckHealth(context.Background())
	assert.Equal(t, Unhealthy, h.OverallStatus)
	assert.Equal(t, "gone", h.Components[0].Message)
}

func TestOwnerLimiterPrune(t *testing.T) {
	l := NewOwnerLimiter(1, 1)
	now := time.Unix(100, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
	assert.InDelta(t, 1.0, l.Tokens("bob"), 0.001)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, l.Prune(time.Minute))
	assert.True(t, l.Allow("alice"))
}
