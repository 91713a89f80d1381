package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/forwarder"
	"github.com/alanyoungcy/marketledger/internal/server/middleware"
)

// Hardhat development account #1.
const devCallerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func signedRequest(t *testing.T, sg *crypto.Signer, ts int64, nonce string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/withdrawals", bytes.NewReader(body))
	sig, err := sg.SignRequest(req.Method, req.URL.Path, ts, nonce, body)
	require.NoError(t, err)
	req.Header.Set(middleware.HeaderAddress, sg.Address().Hex())
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderSignature, sig)
	return req
}

func TestCallerRejectsReusedNonce(t *testing.T) {
	sg, err := crypto.NewSigner(devCallerKey)
	require.NoError(t, err)

	calls := 0
	h := middleware.Caller(middleware.CallerConfig{
		MaxSkew: time.Minute,
		Nonces:  forwarder.NewLocalLocks(),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := middleware.CallerFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, sg.Address(), addr)
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"amount":"10"}`)
	ts := time.Now().Unix()
	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, sg, ts, "a1", body))
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusUnauthorized, http.StatusUnauthorized}, codes)
	require.Equal(t, 1, calls)

	// A fresh nonce is accepted.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, sg, ts, "a2", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, calls)
}

func TestCallerRejectsNonceOutsideSignature(t *testing.T) {
	sg, err := crypto.NewSigner(devCallerKey)
	require.NoError(t, err)

	h := middleware.Caller(middleware.CallerConfig{
		MaxSkew: time.Minute,
		Nonces:  forwarder.NewLocalLocks(),
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"amount":"10"}`)
	req := signedRequest(t, sg, time.Now().Unix(), "a1", body)
	// Swapping the nonce breaks the signature.
	req.Header.Set(middleware.HeaderNonce, "a9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
