package forwarder_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/forwarder"
	"github.com/alanyoungcy/marketledger/internal/ledger"
	"github.com/alanyoungcy/marketledger/internal/report"
)

// Hardhat development accounts #0..#2.
var devKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
}

var relayAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")

type ForwarderSuite struct {
	suite.Suite
	ctx       context.Context
	signers   []*crypto.Signer
	ledger    *ledger.Ledger
	registry  *forwarder.MemoryRegistry
	forwarder *forwarder.Forwarder
}

func TestForwarderSuite(t *testing.T) {
	suite.Run(t, new(ForwarderSuite))
}

func (s *ForwarderSuite) SetupTest() {
	s.ctx = context.Background()
	s.signers = nil
	var addrs []common.Address
	for _, k := range devKeys {
		sg, err := crypto.NewSigner(k)
		s.Require().NoError(err)
		s.signers = append(s.signers, sg)
		addrs = append(addrs, sg.Address())
	}

	l, err := ledger.New(common.HexToAddress("0x01"), relayAddr)
	s.Require().NoError(err)
	s.ledger = l
	s.registry = forwarder.NewMemoryRegistry()

	fw, err := forwarder.New(relayAddr, forwarder.Config{Signers: addrs[:2], Threshold: 2},
		l, forwarder.NewLocalLocks(), s.registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)
	s.forwarder = fw
}

func (s *ForwarderSuite) envelope(p report.Payload, signers ...*crypto.Signer) forwarder.Envelope {
	raw, err := report.Encode(p)
	s.Require().NoError(err)
	md := report.EncodeMetadata(report.Metadata{WorkflowName: report.WorkflowNameHash("settler")})
	env := forwarder.Envelope{Metadata: md, Report: raw}
	for _, sg := range signers {
		sig, err := sg.SignReport(md, raw)
		s.Require().NoError(err)
		env.Signatures = append(env.Signatures, sig)
	}
	return env
}

func (s *ForwarderSuite) TestDeliversWithQuorum() {
	env := s.envelope(report.CreateMarketPayload{Question: "Will X?"}, s.signers[0], s.signers[1])
	id, err := s.forwarder.Forward(s.ctx, env)
	s.Require().NoError(err)
	s.Require().Equal(uint64(1), s.ledger.MarketCount())
	s.Require().Equal(relayAddr, s.ledger.GetMarket(1).Creator)

	done, err := s.registry.IsProcessed(s.ctx, id.String())
	s.Require().NoError(err)
	s.Require().True(done)

	_, err = s.forwarder.Forward(s.ctx, env)
	s.Require().ErrorIs(err, forwarder.ErrAlreadyProcessed)
	s.Require().Equal(uint64(1), s.ledger.MarketCount())
}

func (s *ForwarderSuite) TestDuplicateSignerCountsOnce() {
	env := s.envelope(report.CreateMarketPayload{Question: "q"}, s.signers[0], s.signers[0])
	_, err := s.forwarder.Forward(s.ctx, env)
	s.Require().ErrorIs(err, forwarder.ErrInsufficientSignatures)
	s.Require().Zero(s.ledger.MarketCount())
}

func (s *ForwarderSuite) TestUnknownSigner() {
	env := s.envelope(report.CreateMarketPayload{Question: "q"}, s.signers[0], s.signers[2])
	_, err := s.forwarder.Forward(s.ctx, env)
	s.Require().ErrorIs(err, forwarder.ErrUnauthorizedSigner)
}

func (s *ForwarderSuite) TestFailedDeliveryIsRetryable() {
	env := s.envelope(report.SettleMarketPayload{MarketID: 1, Outcome: domain.OutcomeYes, Confidence: 10}, s.signers[0], s.signers[1])
	_, err := s.forwarder.Forward(s.ctx, env)
	s.Require().ErrorIs(err, domain.ErrMarketDoesNotExist)
	s.Require().Zero(s.registry.Len())

	_, err = s.ledger.CreateMarket(s.ctx, common.HexToAddress("0x0a"), "q")
	s.Require().NoError(err)
	_, err = s.forwarder.Forward(s.ctx, env)
	s.Require().NoError(err)
	s.Require().True(s.ledger.GetMarket(1).Settled)
}

func (s *ForwarderSuite) TestCreateReplayRejectedLater() {
	env := s.envelope(report.CreateMarketPayload{Question: "Will X?"}, s.signers[0], s.signers[1])
	_, err := s.forwarder.Forward(s.ctx, env)
	s.Require().NoError(err)

	time.Sleep(20 * time.Millisecond)
	_, err = s.forwarder.Forward(s.ctx, env)
	s.Require().ErrorIs(err, forwarder.ErrAlreadyProcessed)
	s.Require().Equal(uint64(1), s.ledger.MarketCount())
	s.Require().Equal(1, s.registry.Len())
}

// brokenRegistry cannot record markers.
type brokenRegistry struct{}

func (brokenRegistry) IsProcessed(context.Context, string) (bool, error) { return false, nil }

func (brokenRegistry) MarkProcessed(context.Context, string) error {
	return errors.New("registry unavailable")
}

func (brokenRegistry) Forget(context.Context, string) error { return nil }

func (s *ForwarderSuite) TestUnrecordedTransmissionIsNotDelivered() {
	fw, err := forwarder.New(relayAddr, forwarder.Config{Signers: []common.Address{s.signers[0].Address()}, Threshold: 1},
		s.ledger, forwarder.NewLocalLocks(), brokenRegistry{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)

	env := s.envelope(report.CreateMarketPayload{Question: "q"}, s.signers[0])
	_, err = fw.Forward(s.ctx, env)
	s.Require().ErrorContains(err, "registry unavailable")
	s.Require().Zero(s.ledger.MarketCount())
}

type blockingReceiver struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReceiver) OnReport(context.Context, common.Address, []byte, []byte) error {
	close(b.entered)
	<-b.release
	return nil
}

func (s *ForwarderSuite) TestConcurrentDeliveryIsRejected() {
	recv := &blockingReceiver{entered: make(chan struct{}), release: make(chan struct{})}
	fw, err := forwarder.New(relayAddr, forwarder.Config{Signers: []common.Address{s.signers[0].Address()}, Threshold: 1},
		recv, forwarder.NewLocalLocks(), forwarder.NewMemoryRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)

	env := s.envelope(report.CreateMarketPayload{Question: "q"}, s.signers[0])
	errc := make(chan error, 1)
	go func() {
		_, err := fw.Forward(s.ctx, env)
		errc <- err
	}()
	<-recv.entered

	_, err = fw.Forward(s.ctx, env)
	s.Require().ErrorIs(err, forwarder.ErrTransmissionInFlight)

	close(recv.release)
	s.Require().NoError(<-errc)
}

func TestConfigValidate(t *testing.T) {
	a := common.HexToAddress("0x0a")
	require.ErrorIs(t, forwarder.Config{Signers: []common.Address{a}, Threshold: 0}.Validate(), forwarder.ErrInvalidConfig)
	require.ErrorIs(t, forwarder.Config{Signers: []common.Address{a}, Threshold: 2}.Validate(), forwarder.ErrInvalidConfig)
	require.NoError(t, forwarder.Config{Signers: []common.Address{a}, Threshold: 1}.Validate())

	_, err := forwarder.New(a, forwarder.Config{Signers: []common.Address{a, a}, Threshold: 2}, nil, nil, nil, slog.Default())
	require.True(t, errors.Is(err, forwarder.ErrInvalidConfig))
}

func TestLocalLocks(t *testing.T) {
	locks := forwarder.NewLocalLocks()
	unlock, err := locks.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	_, err = locks.Acquire(context.Background(), "k", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	unlock()
	_, err = locks.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
}
