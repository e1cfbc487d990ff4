package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/fanout"
	"github.com/alanyoungcy/oraclex/internal/ledger"
	"github.com/alanyoungcy/oraclex/internal/ledger/ledgertest"
	"github.com/alanyoungcy/oraclex/internal/lifecycle"
	"github.com/alanyoungcy/oraclex/internal/server/handler"
	"github.com/alanyoungcy/oraclex/internal/server/middleware"
	"github.com/alanyoungcy/oraclex/internal/store/memory"
)

var testNow = time.Unix(1_760_000_000, 0).UTC()

type testServer struct {
	*httptest.Server
	fake *ledgertest.Fake
}

func newTestServer(t *testing.T, apiKey string, checks map[string]handler.Pinger) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := ledgertest.New(31337)
	events := fanout.New(logger)

	eng, err := lifecycle.New(lifecycle.Deps{
		Store:     memory.NewMarketStore(),
		Audit:     memory.NewAuditStore(),
		Ledger:    fake,
		Publisher: events,
		Now:       func() time.Time { return testNow },
		Logger:    logger,
	}, lifecycle.DefaultConfig())
	require.NoError(t, err)

	addrs := ledger.Addresses{Factory: fake.Factory()}
	h := Routes(Config{APIKey: apiKey}, Handlers{
		Health:  handler.NewHealthHandler(checks, logger),
		Status:  handler.NewStatusHandler("server", fake.ChainID(), fake.From(), addrs.Map(), events),
		Markets: handler.NewMarketHandler(eng, logger),
	}, nil, logger)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, fake: fake}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func createBody() string {
	return fmt.Sprintf(`{"eventId":"E1","description":"Will it rain?","closeTimestamp":%d}`,
		testNow.Add(24*time.Hour).Unix())
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, "", nil)

	status, created := s.do(t, http.MethodPost, "/api/markets", createBody())
	require.Equal(t, http.StatusCreated, status, created)
	assert.Equal(t, "created", created["state"])
	pre := created["id"].(string)
	assert.Equal(t, pre, created["preDeployId"])

	status, body := s.do(t, http.MethodPost, "/api/markets", createBody())
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body["kind"])
	assert.Equal(t, false, body["retryable"])

	status, deployed := s.do(t, http.MethodPost, "/api/markets/"+pre+"/deploy", "")
	require.Equal(t, http.StatusOK, status, deployed)
	assert.Equal(t, "deployed", deployed["state"])
	onChain := deployed["onChainId"].(string)
	assert.Equal(t, onChain, deployed["id"])
	assert.NotEmpty(t, deployed["vaultAddress"])

	// Both identifiers resolve to the same record.
	for _, id := range []string{pre, onChain, strings.ToUpper(onChain[2:])} {
		status, got := s.do(t, http.MethodGet, "/api/markets/"+id, "")
		require.Equal(t, http.StatusOK, status, id)
		assert.Equal(t, pre, got["preDeployId"])
	}

	status, scored := s.do(t, http.MethodPost, "/api/markets/"+onChain+"/score", "")
	require.Equal(t, http.StatusOK, status, scored)
	assert.Equal(t, "scored", scored["state"])

	status, report := s.do(t, http.MethodGet, "/api/markets/"+onChain+"/commitment", "")
	require.Equal(t, http.StatusOK, status, report)
	assert.Equal(t, true, report["match"])

	vault := common.HexToAddress(deployed["vaultAddress"].(string))
	s.fake.Fund(vault, big.NewInt(1_000_000))
	status, alloc := s.do(t, http.MethodPost, "/api/markets/"+onChain+"/allocate", "")
	require.Equal(t, http.StatusOK, status, alloc)
	assert.Equal(t, "allocated", alloc["market"].(map[string]any)["state"])
	assert.NotEmpty(t, alloc["yesDisplay"])

	status, settled := s.do(t, http.MethodPost, "/api/markets/"+onChain+"/settle", `{"winningSide":1}`)
	require.Equal(t, http.StatusOK, status, settled)
	assert.Equal(t, "YES", settled["outcome"])
	assert.Equal(t, false, settled["alreadySettled"])

	status, again := s.do(t, http.MethodPost, "/api/markets/"+onChain+"/settle", `{"winningSide":0}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "YES", again["outcome"])
	assert.Equal(t, true, again["alreadySettled"])

	status, hist := s.do(t, http.MethodGet, "/api/markets/"+pre+"/history", "")
	require.Equal(t, http.StatusOK, status, hist)
	assert.Equal(t, onChain, hist["marketId"])
	entries := hist["entries"].([]any)
	require.NotEmpty(t, entries)
	assert.Equal(t, string(domain.EventMarketCreated), entries[0].(map[string]any)["event"])

	status, list := s.do(t, http.MethodGet, "/api/markets?limit=10", "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list["markets"], 1)
	assert.Equal(t, "settled", list["markets"].([]any)[0].(map[string]any)["state"])
}

func TestResolveByTermsInBody(t *testing.T) {
	s := newTestServer(t, "", nil)
	status, _ := s.do(t, http.MethodPost, "/api/markets", createBody())
	require.Equal(t, http.StatusCreated, status)

	status, body := s.do(t, http.MethodPost, "/api/markets/unknown/deploy", createBody())
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "deployed", body["state"])
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, "", nil)

	status, body := s.do(t, http.MethodGet, "/api/markets/0x"+strings.Repeat("ab", 32), "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["kind"])

	status, body = s.do(t, http.MethodPost, "/api/markets", `{"eventId":"E1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["kind"])

	status, body = s.do(t, http.MethodPost, "/api/markets", `{"bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["kind"])

	status, created := s.do(t, http.MethodPost, "/api/markets", createBody())
	require.Equal(t, http.StatusCreated, status)
	pre := created["id"].(string)

	status, body = s.do(t, http.MethodPost, "/api/markets/"+pre+"/score", "")
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, "precondition", body["kind"])

	status, body = s.do(t, http.MethodPost, "/api/markets/"+pre+"/settle", `{"winningSide":2}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "winningSide")

	status, _ = s.do(t, http.MethodPost, "/api/markets/"+pre+"/settle", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	s.fake.FailNext("CreateMarket", fmt.Errorf("dial: %w", domain.ErrLedgerTransient))
	status, body = s.do(t, http.MethodPost, "/api/markets/"+pre+"/deploy", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, true, body["retryable"])

	s.fake.HoldReceipts = true
	status, body = s.do(t, http.MethodPost, "/api/markets/"+pre+"/deploy", "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "ledger_pending", body["kind"])
	assert.Equal(t, true, body["retryable"])

	s.fake.HoldReceipts = false
	s.fake.Mine()
	status, body = s.do(t, http.MethodPost, "/api/markets/"+pre+"/deploy", "")
	assert.Equal(t, http.StatusConflict, status, "pending deploy finished first")
	assert.Equal(t, "conflict", body["kind"])
}

func TestAuthGuardsWrites(t *testing.T) {
	s := newTestServer(t, "secret", nil)

	status, _ := s.do(t, http.MethodGet, "/api/markets", "")
	assert.Equal(t, http.StatusOK, status)

	status, body := s.do(t, http.MethodPost, "/api/markets", createBody())
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["kind"])

	status, _ = s.do(t, http.MethodPost, "/api/markets", createBody(), "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusCreated, status)

	status, _ = s.do(t, http.MethodPost, "/api/markets", createBody(), "X-API-Key", "secret")
	assert.Equal(t, http.StatusConflict, status)
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestServer(t, "", map[string]handler.Pinger{
		"store": func(context.Context) error { return nil },
	})

	status, body := s.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = s.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "server", body["mode"])
	assert.EqualValues(t, 31337, body["chainId"])

	status, body = s.do(t, http.MethodGet, "/api/addresses", "")
	assert.Equal(t, http.StatusOK, status)
	addrs := body["addresses"].(map[string]any)
	assert.Equal(t, s.fake.Factory().Hex(), addrs[ledger.ContractFactory])

	bad := newTestServer(t, "", map[string]handler.Pinger{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	status, body = bad.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", body["status"])
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t, "", nil)

	resp, err := s.Client().Get(s.URL + "/api/markets")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	req, err := http.NewRequest(http.MethodGet, s.URL+"/api/markets", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.RequestIDHeader, "abc")
	resp, err = s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc", resp.Header.Get(middleware.RequestIDHeader))
}
