package server_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/forwarder"
	"github.com/alanyoungcy/marketledger/internal/ledger"
	"github.com/alanyoungcy/marketledger/internal/report"
	"github.com/alanyoungcy/marketledger/internal/server"
	"github.com/alanyoungcy/marketledger/internal/server/handler"
	"github.com/alanyoungcy/marketledger/internal/server/middleware"
	"github.com/alanyoungcy/marketledger/internal/service"
)

// Hardhat development accounts #0..#2.
var devKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
}

var relayAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")

type APISuite struct {
	suite.Suite
	owner  *crypto.Signer // also plays "A"
	bob    *crypto.Signer
	oracle *crypto.Signer
	srv    *httptest.Server
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	var signers []*crypto.Signer
	for _, k := range devKeys {
		sg, err := crypto.NewSigner(k)
		s.Require().NoError(err)
		signers = append(signers, sg)
	}
	s.owner, s.bob, s.oracle = signers[0], signers[1], signers[2]
	s.srv = httptest.NewServer(s.buildHandler(server.Config{}))
}

func (s *APISuite) TearDownTest() {
	s.srv.Close()
}

func (s *APISuite) buildHandler(cfg server.Config) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := service.NewLocalBus(0)
	relay := service.NewEventRelay(bus, nil, 0, logger)

	l, err := ledger.New(s.owner.Address(), relayAddr, ledger.WithEventSink(relay), ledger.WithLogger(logger))
	s.Require().NoError(err)
	fw, err := forwarder.New(relayAddr, forwarder.Config{Signers: []common.Address{s.oracle.Address()}, Threshold: 1},
		l, forwarder.NewLocalLocks(), forwarder.NewMemoryRegistry(), logger)
	s.Require().NoError(err)
	svc := service.NewLedgerService(l, fw, bus, nil, "memory", logger)

	return server.NewHandler(cfg, server.Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Status:   handler.NewStatusHandler(svc),
		Markets:  handler.NewMarketHandler(svc, logger),
		Accounts: handler.NewAccountHandler(svc, logger),
		Admin:    handler.NewAdminHandler(svc, logger),
		Reports:  handler.NewReportHandler(svc, logger),
		Events:   handler.NewEventHandler(svc, logger),
	}, nil, nil, logger)
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// call sends a request signed by as (unsigned when as is nil) and decodes
// the JSON response into out.
func (s *APISuite) call(method, path string, body any, as *crypto.Signer, out any) int {
	return s.callAt(method, path, body, as, time.Now(), out)
}

func (s *APISuite) callAt(method, path string, body any, as *crypto.Signer, at time.Time, out any) int {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		s.Require().NoError(err)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, bytes.NewReader(raw))
	s.Require().NoError(err)
	if as != nil {
		s.sign(req, as, at, uuid.NewString(), raw)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if out != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *APISuite) sign(req *http.Request, as *crypto.Signer, at time.Time, nonce string, raw []byte) {
	ts := at.Unix()
	sig, err := as.SignRequest(req.Method, req.URL.Path, ts, nonce, raw)
	s.Require().NoError(err)
	req.Header.Set(middleware.HeaderAddress, as.Address().Hex())
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderSignature, sig)
}

func (s *APISuite) submitReport(p report.Payload) int {
	raw, err := report.Encode(p)
	s.Require().NoError(err)
	md := report.EncodeMetadata(report.Metadata{})
	sig, err := s.oracle.SignReport(md, raw)
	s.Require().NoError(err)
	return s.call(http.MethodPost, "/api/reports", map[string]any{
		"metadata":   "0x" + hex.EncodeToString(md),
		"report":     "0x" + hex.EncodeToString(raw),
		"signatures": []string{"0x" + hex.EncodeToString(sig)},
	}, nil, nil)
}

func (s *APISuite) TestHealth() {
	var out map[string]any
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/health", nil, nil, &out))
	s.Require().Equal("ok", out["status"])
}

func (s *APISuite) TestWillXScenario() {
	for _, who := range []*crypto.Signer{s.owner, s.bob} {
		s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/api/admin/deposits",
			map[string]string{"to": who.Address().Hex(), "amount": "1000"}, s.owner, nil))
	}

	var market map[string]any
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/api/markets",
		map[string]string{"question": "Will X?"}, s.owner, &market))
	s.Require().Equal(float64(1), market["id"])

	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/api/markets/1/predictions",
		map[string]string{"side": "yes", "amount": "100"}, s.owner, nil))
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/api/markets/1/predictions",
		map[string]string{"side": "no", "amount": "50"}, s.bob, nil))

	var errBody apiError
	s.Require().Equal(http.StatusConflict, s.call(http.MethodPost, "/api/markets/1/claims", nil, s.owner, &errBody))
	s.Require().Equal("MarketNotSettled", errBody.Code)

	s.Require().Equal(http.StatusAccepted, s.call(http.MethodPost, "/api/markets/1/settlement-requests", nil, s.bob, nil))
	s.Require().Equal(http.StatusAccepted, s.submitReport(report.SettleMarketPayload{MarketID: 1, Outcome: domain.OutcomeYes, Confidence: 9000}))

	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/markets/1", nil, nil, &market))
	s.Require().Equal(true, market["settled"])
	s.Require().Equal("yes", market["outcome"])
	s.Require().Equal("100", market["total_yes_pool"])
	s.Require().Equal("50", market["total_no_pool"])

	var claim map[string]any
	s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/api/markets/1/claims", nil, s.owner, &claim))
	s.Require().Equal("150", claim["payout"])

	s.Require().Equal(http.StatusConflict, s.call(http.MethodPost, "/api/markets/1/claims", nil, s.owner, &errBody))
	s.Require().Equal("AlreadyClaimed", errBody.Code)
	s.Require().Equal(http.StatusConflict, s.call(http.MethodPost, "/api/markets/1/claims", nil, s.bob, &errBody))
	s.Require().Equal("NothingToClaim", errBody.Code)

	var acct map[string]string
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/accounts/"+s.owner.Address().Hex(), nil, nil, &acct))
	s.Require().Equal("1050", acct["balance"])

	var events struct {
		Events []struct {
			Event domain.Event `json:"event"`
		} `json:"events"`
	}
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/events?count=100", nil, nil, &events))
	last := events.Events[len(events.Events)-1].Event
	s.Require().Equal(domain.EventWinningsClaimed, last.Kind)
	s.Require().Equal(int64(150), last.Amount.Int64())
}

func (s *APISuite) TestReplayedReportRejected() {
	p := report.CreateMarketPayload{Question: "Will Y?"}
	s.Require().Equal(http.StatusAccepted, s.submitReport(p))
	s.Require().Equal(http.StatusConflict, s.submitReport(p))

	var st map[string]any
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/status", nil, nil, &st))
	s.Require().Equal(float64(1), st["market_count"])
}

func (s *APISuite) TestCallerAuthentication() {
	body := map[string]string{"question": "Will Z?"}
	var errBody apiError
	s.Require().Equal(http.StatusUnauthorized, s.call(http.MethodPost, "/api/markets", body, nil, &errBody))
	s.Require().Equal("Unauthorized", errBody.Code)

	stale := time.Now().Add(-time.Hour)
	s.Require().Equal(http.StatusUnauthorized, s.callAt(http.MethodPost, "/api/markets", body, s.bob, stale, nil))

	// Signature by bob presented as the owner.
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/api/markets", bytes.NewReader(raw))
	s.sign(req, s.bob, time.Now(), "n-1", raw)
	req.Header.Set(middleware.HeaderAddress, s.owner.Address().Hex())
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)

	// Signed without a nonce header.
	req, _ = http.NewRequest(http.MethodPost, s.srv.URL+"/api/markets", bytes.NewReader(raw))
	s.sign(req, s.bob, time.Now(), "n-2", raw)
	req.Header.Del(middleware.HeaderNonce)
	resp, err = http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *APISuite) TestSignedRequestReplayRejected() {
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/api/admin/deposits",
		map[string]string{"to": s.bob.Address().Hex(), "amount": "100"}, s.owner, nil))

	raw, _ := json.Marshal(map[string]string{"amount": "10"})
	at := time.Now()
	send := func() int {
		req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/api/accounts/withdrawals", bytes.NewReader(raw))
		s.sign(req, s.bob, at, "withdraw-1", raw)
		resp, err := http.DefaultClient.Do(req)
		s.Require().NoError(err)
		resp.Body.Close()
		return resp.StatusCode
	}
	s.Require().Equal(http.StatusOK, send())
	s.Require().Equal(http.StatusUnauthorized, send())
	s.Require().Equal(http.StatusUnauthorized, send())

	var acct struct {
		Balance string `json:"balance"`
	}
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/accounts/"+s.bob.Address().Hex(), nil, nil, &acct))
	s.Require().Equal("90", acct.Balance)

	// The same nonce is still free for another caller.
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/api/admin/deposits",
		map[string]string{"to": s.owner.Address().Hex(), "amount": "100"}, s.owner, nil))
	req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/api/accounts/withdrawals", bytes.NewReader(raw))
	s.sign(req, s.owner, at, "withdraw-1", raw)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)
}

func (s *APISuite) TestInsecureCallerHeader() {
	srv := httptest.NewServer(s.buildHandler(server.Config{InsecureCallerHeader: true}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/markets", bytes.NewReader([]byte(`{"question":"dev"}`)))
	req.Header.Set(middleware.HeaderAddress, s.bob.Address().Hex())
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
}

func (s *APISuite) TestErrorMapping() {
	var errBody apiError
	s.Require().Equal(http.StatusNotFound, s.call(http.MethodGet, "/api/markets/9", nil, nil, &errBody))
	s.Require().Equal("MarketDoesNotExist", errBody.Code)

	s.Require().Equal(http.StatusBadRequest, s.call(http.MethodPost, "/api/markets",
		map[string]string{"question": ""}, s.bob, &errBody))
	s.Require().Equal("EmptyQuestion", errBody.Code)

	s.Require().Equal(http.StatusForbidden, s.call(http.MethodPost, "/api/admin/deposits",
		map[string]string{"to": s.bob.Address().Hex(), "amount": "5"}, s.bob, &errBody))
	s.Require().Equal("NotOwner", errBody.Code)

	s.Require().Equal(http.StatusBadRequest, s.call(http.MethodPost, "/api/accounts/withdrawals",
		map[string]string{"amount": "ten"}, s.bob, nil))

	s.Require().Equal(http.StatusConflict, s.call(http.MethodPost, "/api/accounts/withdrawals",
		map[string]string{"amount": "10"}, s.bob, &errBody))
	s.Require().Equal("InsufficientBalance", errBody.Code)
}

func (s *APISuite) TestAuditLogIsOwnerOnly() {
	var entries []map[string]any
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/admin/audit", nil, s.owner, &entries))
	s.Require().Empty(entries)

	var errBody apiError
	s.Require().Equal(http.StatusForbidden, s.call(http.MethodGet, "/api/admin/audit", nil, s.bob, &errBody))
	s.Require().Equal("NotOwner", errBody.Code)

	s.Require().Equal(http.StatusBadRequest, s.call(http.MethodGet, "/api/admin/audit?actor=nope", nil, s.owner, nil))
	s.Require().Equal(http.StatusUnauthorized, s.call(http.MethodGet, "/api/admin/audit", nil, nil, nil))
}

func (s *APISuite) TestPolicyUpdate() {
	var p map[string]string
	s.Require().Equal(http.StatusOK, s.call(http.MethodPut, "/api/admin/policy",
		map[string]string{"expected_workflow_name": "settler"}, s.owner, &p))
	s.Require().Equal(
		"0x"+hex.EncodeToString(func() []byte { h := report.WorkflowNameHash("settler"); return h[:] }()),
		p["expected_workflow_name"])

	// Name filter without an author: reports are rejected and nothing changes.
	s.Require().Equal(http.StatusBadRequest, s.submitReport(report.CreateMarketPayload{Question: "q"}))

	s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/api/admin/ownership",
		map[string]string{"new_owner": s.bob.Address().Hex()}, s.owner, &p))
	s.Require().Equal(s.bob.Address().Hex(), p["owner"])
}
