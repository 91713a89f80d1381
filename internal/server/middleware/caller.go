package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/domain"
)

// Caller identity headers.
const (
	HeaderAddress   = "X-Ledger-Address"
	HeaderTimestamp = "X-Ledger-Timestamp"
	HeaderSignature = "X-Ledger-Signature"
	HeaderNonce     = "X-Ledger-Nonce"
)

// maxSignedBody bounds the body read for signature verification.
const maxSignedBody = 1 << 20

// maxNonceLen bounds the X-Ledger-Nonce header.
const maxNonceLen = 128

type callerKey struct{}

// CallerFromContext returns the address authenticated by Caller.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// WithCaller stores addr as the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerConfig controls caller authentication.
type CallerConfig struct {
	MaxSkew  time.Duration
	Insecure bool // trust X-Ledger-Address without a signature
	Now      func() time.Time

	// Nonces remembers used (address, nonce) pairs. Each pair is held for
	// twice MaxSkew, which outlives every timestamp the skew check accepts.
	// Required unless Insecure is set.
	Nonces domain.LockManager
	Logger *slog.Logger
}

// Caller returns middleware that authenticates the request signer. The
// signature is an EIP-191 personal signature over crypto.RequestMessage and
// must recover to X-Ledger-Address. A nonce is accepted once per address.
// The request body is restored for the next handler.
func Caller(cfg CallerConfig) func(http.Handler) http.Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawAddr := strings.TrimSpace(r.Header.Get(HeaderAddress))
			if !common.IsHexAddress(rawAddr) {
				writeUnauthorized(w, "missing or invalid "+HeaderAddress)
				return
			}
			addr := common.HexToAddress(rawAddr)

			if cfg.Insecure {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
				return
			}

			ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
			if err != nil {
				writeUnauthorized(w, "missing or invalid "+HeaderTimestamp)
				return
			}
			skew := cfg.Now().Sub(time.Unix(ts, 0))
			if skew < -cfg.MaxSkew || skew > cfg.MaxSkew {
				writeUnauthorized(w, "request timestamp outside allowed skew")
				return
			}
			nonce := r.Header.Get(HeaderNonce)
			if nonce == "" || len(nonce) > maxNonceLen || strings.ContainsAny(nonce, "\r\n") {
				writeUnauthorized(w, "missing or invalid "+HeaderNonce)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			msg := crypto.RequestMessage(r.Method, r.URL.Path, ts, nonce, body)
			signer, err := crypto.RecoverRequestSigner(msg, r.Header.Get(HeaderSignature))
			if err != nil || signer != addr {
				writeUnauthorized(w, "signature does not match "+HeaderAddress)
				return
			}

			// The hold is never released; it expires with the skew window.
			if _, err := cfg.Nonces.Acquire(r.Context(), "caller-nonce:"+addr.Hex()+":"+nonce, 2*cfg.MaxSkew); err != nil {
				if errors.Is(err, domain.ErrLockHeld) {
					writeUnauthorized(w, "request nonce already used")
					return
				}
				cfg.Logger.ErrorContext(r.Context(), "caller nonce check failed",
					slog.String("caller", addr.Hex()),
					slog.String("error", err.Error()),
				)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":"nonce store unavailable","code":"Unavailable"}`))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}
