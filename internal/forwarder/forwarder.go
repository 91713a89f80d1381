// Package forwarder is the trusted relay between the off-ledger workflow and
// the ledger. It checks that a report carries enough signatures from the
// configured signer set, delivers each transmission at most once, and calls
// the receiver as the relay address.
package forwarder

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/domain"
)

var (
	ErrUnauthorizedSigner     = errors.New("forwarder: signature from unknown signer")
	ErrInsufficientSignatures = errors.New("forwarder: not enough signatures")
	ErrTransmissionInFlight   = errors.New("forwarder: transmission already in flight")
	ErrAlreadyProcessed       = errors.New("forwarder: transmission already processed")
	ErrInvalidConfig          = errors.New("forwarder: invalid config")
)

// lockTTL bounds how long one delivery may hold its transmission lock.
const lockTTL = 30 * time.Second

// Receiver accepts authenticated reports. *ledger.Ledger implements it.
type Receiver interface {
	OnReport(ctx context.Context, sender common.Address, metadata, report []byte) error
}

// Envelope is one signed report as produced by the workflow.
type Envelope struct {
	Metadata   []byte
	Report     []byte
	Signatures [][]byte
}

// TransmissionID identifies an envelope by its signed digest.
type TransmissionID [32]byte

// String returns the 0x-prefixed hex id.
func (id TransmissionID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Config is the signer set and how many distinct signers must agree.
type Config struct {
	Signers   []common.Address
	Threshold int
}

// Validate checks that the threshold is reachable.
func (c Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("%w: threshold %d must be at least 1", ErrInvalidConfig, c.Threshold)
	}
	if c.Threshold > len(c.Signers) {
		return fmt.Errorf("%w: threshold %d exceeds %d signers", ErrInvalidConfig, c.Threshold, len(c.Signers))
	}
	return nil
}

// Forwarder verifies and delivers envelopes.
type Forwarder struct {
	address  common.Address
	signers  map[common.Address]struct{}
	quorum   int
	receiver Receiver
	locks    domain.LockManager
	registry domain.TransmissionRegistry
	logger   *slog.Logger
}

// New creates a Forwarder that calls receiver as address.
func New(
	address common.Address,
	cfg Config,
	receiver Receiver,
	locks domain.LockManager,
	registry domain.TransmissionRegistry,
	logger *slog.Logger,
) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	signers := make(map[common.Address]struct{}, len(cfg.Signers))
	for _, s := range cfg.Signers {
		signers[s] = struct{}{}
	}
	if cfg.Threshold > len(signers) {
		return nil, fmt.Errorf("%w: threshold %d exceeds %d distinct signers", ErrInvalidConfig, cfg.Threshold, len(signers))
	}
	return &Forwarder{
		address:  address,
		signers:  signers,
		quorum:   cfg.Threshold,
		receiver: receiver,
		locks:    locks,
		registry: registry,
		logger:   logger.With(slog.String("component", "forwarder")),
	}, nil
}

// Address returns the relay address the receiver sees as sender.
func (f *Forwarder) Address() common.Address {
	return f.address
}

// Verify checks the signatures on env and returns its transmission id.
func (f *Forwarder) Verify(env Envelope) (TransmissionID, error) {
	var id TransmissionID
	copy(id[:], crypto.ReportDigest(env.Metadata, env.Report))

	counted := make(map[common.Address]struct{}, len(env.Signatures))
	for i, sig := range env.Signatures {
		signer, err := crypto.RecoverSigner(id[:], sig)
		if err != nil {
			return id, fmt.Errorf("forwarder: signature %d: %w", i, err)
		}
		if _, ok := f.signers[signer]; !ok {
			return id, fmt.Errorf("%w: %s", ErrUnauthorizedSigner, signer.Hex())
		}
		counted[signer] = struct{}{}
	}
	if len(counted) < f.quorum {
		return id, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSignatures, len(counted), f.quorum)
	}
	return id, nil
}

// Forward verifies env and delivers it to the receiver once. The
// transmission is marked before delivery and the marker is released when the
// receiver rejects the report, so a rejected report can be retried while an
// applied one can never be replayed.
func (f *Forwarder) Forward(ctx context.Context, env Envelope) (TransmissionID, error) {
	id, err := f.Verify(env)
	if err != nil {
		return id, err
	}
	key := id.String()

	unlock, err := f.locks.Acquire(ctx, "transmission:"+key, lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return id, fmt.Errorf("%w: %s", ErrTransmissionInFlight, key)
		}
		return id, fmt.Errorf("forwarder: lock %s: %w", key, err)
	}
	defer unlock()

	done, err := f.registry.IsProcessed(ctx, key)
	if err != nil {
		return id, fmt.Errorf("forwarder: registry lookup %s: %w", key, err)
	}
	if done {
		return id, fmt.Errorf("%w: %s", ErrAlreadyProcessed, key)
	}
	if err := f.registry.MarkProcessed(ctx, key); err != nil {
		return id, fmt.Errorf("forwarder: mark %s: %w", key, err)
	}

	if err := f.receiver.OnReport(ctx, f.address, env.Metadata, env.Report); err != nil {
		f.logger.WarnContext(ctx, "report delivery failed",
			slog.String("transmission_id", key),
			slog.String("error", err.Error()),
		)
		// Use a fresh context: the caller's may already be cancelled.
		if ferr := f.registry.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			f.logger.ErrorContext(ctx, "release transmission marker failed",
				slog.String("transmission_id", key),
				slog.String("error", ferr.Error()),
			)
		}
		return id, err
	}

	f.logger.InfoContext(ctx, "report delivered", slog.String("transmission_id", key))
	return id, nil
}
