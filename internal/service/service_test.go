package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/forwarder"
	"github.com/alanyoungcy/marketledger/internal/ledger"
	"github.com/alanyoungcy/marketledger/internal/notify"
	"github.com/alanyoungcy/marketledger/internal/report"
)

const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	relay = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) List(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type LedgerServiceSuite struct {
	suite.Suite
	ctx    context.Context
	bus    *LocalBus
	audit  *memAudit
	signer *crypto.Signer
	svc    *LedgerService
}

func TestLedgerServiceSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceSuite))
}

func (s *LedgerServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.bus = NewLocalBus(0)
	s.audit = &memAudit{}
	relayEvents := NewEventRelay(s.bus, nil, 0, discard())

	l, err := ledger.New(owner, relay, ledger.WithEventSink(relayEvents), ledger.WithLogger(discard()))
	s.Require().NoError(err)

	s.signer, err = crypto.NewSigner(devKey)
	s.Require().NoError(err)
	fw, err := forwarder.New(relay, forwarder.Config{Signers: []common.Address{s.signer.Address()}, Threshold: 1},
		l, forwarder.NewLocalLocks(), forwarder.NewMemoryRegistry(), discard())
	s.Require().NoError(err)

	s.svc = NewLedgerService(l, fw, s.bus, s.audit, "memory", discard())
	s.Require().NoError(s.svc.Deposit(s.ctx, owner, alice, big.NewInt(500)))
}

func (s *LedgerServiceSuite) TestEmptyQuestionRejected() {
	_, err := s.svc.CreateMarket(s.ctx, alice, "   ")
	s.Require().ErrorIs(err, domain.ErrEmptyQuestion)
	s.Require().Equal(uint64(0), s.svc.Status().MarketCount)
}

func (s *LedgerServiceSuite) TestUnstorableQuestionRejected() {
	_, err := s.svc.CreateMarket(s.ctx, alice, "Will\x00X?")
	s.Require().ErrorIs(err, domain.ErrInvalidQuestion)
	s.Require().Equal("InvalidQuestion", domain.ErrorCode(err))
	s.Require().Equal(uint64(0), s.svc.Status().MarketCount)
}

func (s *LedgerServiceSuite) TestZeroAddressCreatorIsVisible() {
	id, err := s.svc.CreateMarket(s.ctx, common.Address{}, "dev market")
	s.Require().NoError(err)

	m, err := s.svc.Market(id)
	s.Require().NoError(err)
	s.Require().Equal(common.Address{}, m.Creator)
	s.Require().Len(s.svc.Markets(10, 0), 1)

	_, err = s.svc.Market(id + 1)
	s.Require().ErrorIs(err, domain.ErrMarketDoesNotExist)
}

func (s *LedgerServiceSuite) TestMarketLifecycleThroughReports() {
	id, err := s.svc.CreateMarket(s.ctx, alice, "Will X?")
	s.Require().NoError(err)
	s.Require().NoError(s.svc.Predict(s.ctx, alice, id, domain.OutcomeYes, big.NewInt(100)))

	raw, err := report.Encode(report.SettleMarketPayload{MarketID: id, Outcome: domain.OutcomeYes, Confidence: 9000})
	s.Require().NoError(err)
	md := report.EncodeMetadata(report.Metadata{})
	sig, err := s.signer.SignReport(md, raw)
	s.Require().NoError(err)

	_, err = s.svc.SubmitReport(s.ctx, forwarder.Envelope{Metadata: md, Report: raw, Signatures: [][]byte{sig}})
	s.Require().NoError(err)

	m, err := s.svc.Market(id)
	s.Require().NoError(err)
	s.Require().True(m.Settled)

	payout, err := s.svc.Claim(s.ctx, alice, id)
	s.Require().NoError(err)
	s.Require().Equal(int64(100), payout.Int64())
	s.Require().Equal(int64(500), s.svc.Balance(alice).Int64())

	msgs, err := s.svc.Events(s.ctx, "", 0)
	s.Require().NoError(err)
	var kinds []domain.EventKind
	for _, msg := range msgs {
		var ev domain.Event
		s.Require().NoError(json.Unmarshal(msg.Payload, &ev))
		kinds = append(kinds, ev.Kind)
	}
	s.Require().Equal([]domain.EventKind{
		domain.EventDeposit,
		domain.EventMarketCreated,
		domain.EventPredictionMade,
		domain.EventMarketSettled,
		domain.EventWinningsClaimed,
	}, kinds)

	tail, err := s.svc.Events(s.ctx, msgs[3].ID, 10)
	s.Require().NoError(err)
	s.Require().Len(tail, 1)
	s.Require().Contains(s.audit.actions(), "report.delivered")
}

func (s *LedgerServiceSuite) TestMissingMarket() {
	_, err := s.svc.Market(42)
	s.Require().ErrorIs(err, domain.ErrMarketDoesNotExist)
}

func (s *LedgerServiceSuite) TestUpdatePolicy() {
	author := common.HexToAddress("0xbeef")
	name := "settler"
	p, err := s.svc.UpdatePolicy(s.ctx, owner, domain.PolicyUpdate{ExpectedAuthor: &author, ExpectedWorkflowName: &name})
	s.Require().NoError(err)
	s.Require().Equal(author, p.ExpectedAuthor)
	s.Require().Equal(report.WorkflowNameHash(name), p.ExpectedWorkflowName)
	s.Require().Equal([]string{"admin.deposit", "admin.policy", "admin.policy"}, s.audit.actions())

	_, err = s.svc.UpdatePolicy(s.ctx, alice, domain.PolicyUpdate{ExpectedAuthor: &author})
	s.Require().ErrorIs(err, domain.ErrNotOwner)
}

func (s *LedgerServiceSuite) TestAuditLogIsOwnerOnly() {
	author := common.HexToAddress("0xbeef")
	_, err := s.svc.UpdatePolicy(s.ctx, owner, domain.PolicyUpdate{ExpectedAuthor: &author})
	s.Require().NoError(err)

	entries, err := s.svc.AuditLog(s.ctx, owner, domain.AuditFilter{Actor: &owner})
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Require().Equal("admin.policy", entries[0].Action)
	s.Require().Equal(uint64(2), entries[0].Seq)
	s.Require().Equal("admin.deposit", entries[1].Action)
	s.Require().Equal(uint64(1), entries[1].Seq)
	s.Require().Equal(alice.Hex(), entries[1].Detail["to"])

	_, err = s.svc.AuditLog(s.ctx, alice, domain.AuditFilter{})
	s.Require().ErrorIs(err, domain.ErrNotOwner)
}

func (s *LedgerServiceSuite) TestTransferOwnership() {
	s.Require().NoError(s.svc.TransferOwnership(s.ctx, owner, alice))
	s.Require().Equal(alice, s.svc.Status().Owner)
	s.Require().ErrorIs(s.svc.Deposit(s.ctx, owner, alice, big.NewInt(1)), domain.ErrNotOwner)
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	done   chan struct{}
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	r.titles = append(r.titles, title)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func TestEventRelayNotifiesSelectedKinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewLocalBus(0)
	live, err := bus.Subscribe(ctx, ChannelEvents)
	require.NoError(t, err)

	sender := &recordingSender{done: make(chan struct{}, 4)}
	r := NewEventRelay(bus, notify.NewNotifier([]notify.Sender{sender}, nil, discard()), 4, discard())
	go func() { _ = r.Run(ctx) }()

	yes := domain.OutcomeYes
	r.Emit(ctx, domain.Event{Seq: 1, Kind: domain.EventMarketCreated, MarketID: 1})
	r.Emit(ctx, domain.Event{Seq: 2, Kind: domain.EventMarketSettled, MarketID: 1, Side: &yes})

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not sent")
	}
	sender.mu.Lock()
	require.Equal(t, []string{"Market #1 settled"}, sender.titles)
	sender.mu.Unlock()

	require.Len(t, live, 2)
	msgs, err := bus.StreamRead(ctx, StreamEvents, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestLocalBusTrimsAndUnsubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewLocalBus(2)
	ch, err := bus.Subscribe(ctx, "c")
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}
	msgs, err := bus.StreamRead(ctx, "s", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "b", string(msgs[0].Payload))

	cancel()
	_, open := <-ch
	require.False(t, open)
}

type memSnapshots struct {
	saved []domain.Snapshot
}

func (m *memSnapshots) Save(_ context.Context, snap domain.Snapshot) (string, error) {
	m.saved = append(m.saved, snap)
	return "snap", nil
}

func (m *memSnapshots) Latest(context.Context) (domain.Snapshot, error) {
	if len(m.saved) == 0 {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	sort.Slice(m.saved, func(i, j int) bool { return m.saved[i].Seq < m.saved[j].Seq })
	return m.saved[len(m.saved)-1], nil
}

func (m *memSnapshots) Prune(_ context.Context, keep int) (int, error) {
	if len(m.saved) <= keep {
		return 0, nil
	}
	removed := len(m.saved) - keep
	m.saved = m.saved[removed:]
	return removed, nil
}

type stubArchiver struct{ count int64 }

func (a stubArchiver) ArchiveEvents(context.Context, time.Time) (int64, error) { return a.count, nil }

type stubEvents struct {
	domain.EventStore
	deletedBefore time.Time
}

func (e *stubEvents) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	e.deletedBefore = before
	return 3, nil
}

func TestSnapshotServiceRunOnceAndRestore(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.New(owner, relay, ledger.WithLogger(discard()))
	require.NoError(t, err)
	require.NoError(t, l.Deposit(ctx, owner, alice, big.NewInt(10)))

	store := &memSnapshots{}
	events := &stubEvents{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewSnapshotService(l, store, stubArchiver{count: 3}, events,
		SnapshotConfig{Keep: 1, Retention: 24 * time.Hour}, discard())
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.RunOnce(ctx))
	require.Len(t, store.saved, 1)
	require.Equal(t, now.Add(-24*time.Hour), events.deletedBefore)

	// Unchanged ledger: no new snapshot.
	require.NoError(t, svc.RunOnce(ctx))
	require.Len(t, store.saved, 1)

	_, err = l.CreateMarket(ctx, alice, "q")
	require.NoError(t, err)
	require.NoError(t, svc.RunOnce(ctx))
	require.Len(t, store.saved, 1)
	require.Equal(t, l.Seq(), store.saved[0].Seq)

	fresh, err := ledger.New(owner, relay, ledger.WithLogger(discard()))
	require.NoError(t, err)
	restorer := NewSnapshotService(fresh, store, nil, nil, SnapshotConfig{}, discard())
	ok, err := restorer.LoadLatest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), fresh.MarketCount())
	require.Equal(t, int64(10), fresh.Balance(alice).Int64())

	empty := NewSnapshotService(fresh, &memSnapshots{}, nil, nil, SnapshotConfig{}, discard())
	ok, err = empty.LoadLatest(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
