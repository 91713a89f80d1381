package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/forwarder"
	"github.com/alanyoungcy/marketledger/internal/ledger"
	"github.com/alanyoungcy/marketledger/internal/server"
	"github.com/alanyoungcy/marketledger/internal/server/handler"
	"github.com/alanyoungcy/marketledger/internal/server/ws"
	"github.com/alanyoungcy/marketledger/internal/service"
)

// runtime is everything built on top of the wired dependencies.
type runtime struct {
	ledger    *ledger.Ledger
	relay     *service.EventRelay
	svc       *service.LedgerService
	snapshots *service.SnapshotService // nil when snapshots are disabled
}

// MemoryMode runs the ledger and the API with process-local state only.
// Everything is lost on restart.
func (a *App) MemoryMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting memory mode")

	rt, err := a.buildRuntime(ctx, deps)
	if err != nil {
		return err
	}
	if err := a.bootstrapPolicy(ctx, rt.svc); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, rt)
	a.startHTTPServer(ctx, g, deps, rt)
	return g.Wait()
}

// FullMode runs the ledger against the Postgres journal with Redis
// coordination, S3 snapshots, and notifications.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	rt, err := a.buildRuntime(ctx, deps)
	if err != nil {
		return err
	}
	fresh, err := a.restoreLedger(ctx, deps, rt)
	if err != nil {
		return err
	}
	if fresh {
		if err := a.bootstrapPolicy(ctx, rt.svc); err != nil {
			return err
		}
	}
	if p := rt.ledger.Policy(); p.ForwarderAddress != rt.svc.RelayAddress() {
		a.logger.WarnContext(ctx, "stored forwarder differs from the relay address; reports will be rejected until the policy is updated",
			slog.String("policy_forwarder", p.ForwarderAddress.Hex()),
			slog.String("relay", rt.svc.RelayAddress().Hex()),
		)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, rt)
	a.startHTTPServer(ctx, g, deps, rt)
	return g.Wait()
}

// buildRuntime constructs the ledger, the forwarder, and the services around
// them. The ledger starts empty.
func (a *App) buildRuntime(ctx context.Context, deps *Dependencies) (*runtime, error) {
	owner := common.HexToAddress(a.cfg.Ledger.Owner)
	relayAddr, err := a.relayAddress()
	if err != nil {
		return nil, err
	}
	signers := make([]common.Address, 0, len(a.cfg.Relay.Signers))
	for _, s := range a.cfg.Relay.Signers {
		signers = append(signers, common.HexToAddress(s))
	}

	relay := service.NewEventRelay(deps.EventBus, deps.Notifier, a.cfg.Notify.QueueSize, a.logger)

	opts := []ledger.Option{ledger.WithEventSink(relay), ledger.WithLogger(a.logger)}
	if deps.Journal != nil {
		opts = append(opts, ledger.WithJournal(deps.Journal))
	}
	l, err := ledger.New(owner, relayAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: ledger: %w", err)
	}

	fwd, err := forwarder.New(relayAddr, forwarder.Config{
		Signers:   signers,
		Threshold: a.cfg.Relay.Threshold,
	}, l, deps.LockManager, deps.Registry, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: forwarder: %w", err)
	}

	rt := &runtime{
		ledger: l,
		relay:  relay,
		svc:    service.NewLedgerService(l, fwd, deps.EventBus, deps.Audit, a.cfg.Mode, a.logger),
	}
	if deps.Snapshots != nil && a.cfg.Snapshot.Enabled {
		rt.snapshots = service.NewSnapshotService(l, deps.Snapshots, deps.Archiver, deps.Events,
			service.SnapshotConfig{
				Interval:  a.cfg.Snapshot.Every(),
				Keep:      a.cfg.Snapshot.Keep,
				Retention: a.cfg.Snapshot.Retention(),
			}, a.logger)
	}

	a.logger.InfoContext(ctx, "ledger built",
		slog.String("owner", owner.Hex()),
		slog.String("relay", relayAddr.Hex()),
		slog.Int("signers", len(signers)),
		slog.Int("threshold", a.cfg.Relay.Threshold),
	)
	return rt, nil
}

// relayAddress is the configured forwarder, or the address of the relay key.
func (a *App) relayAddress() (common.Address, error) {
	if a.cfg.Ledger.Forwarder != "" {
		return common.HexToAddress(a.cfg.Ledger.Forwarder), nil
	}
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Relay.PrivateKey,
		EncryptedKeyPath: a.cfg.Relay.EncryptedKeyPath,
		KeyPassword:      a.cfg.Relay.KeyPassword,
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("app: relay key: %w", err)
	}
	return signer.Address(), nil
}

// restoreLedger loads state from the journal, falling back to the newest S3
// snapshot, which is then written back to the journal. It reports whether
// the ledger is brand new.
func (a *App) restoreLedger(ctx context.Context, deps *Dependencies, rt *runtime) (bool, error) {
	snap, err := deps.Journal.Load(ctx)
	switch {
	case err == nil:
		rt.ledger.Restore(snap)
		a.logger.InfoContext(ctx, "ledger restored from journal",
			slog.Uint64("seq", snap.Seq),
			slog.Int("markets", len(snap.Markets)),
		)
		return false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, fmt.Errorf("app: load journal: %w", err)
	}

	if rt.snapshots != nil {
		ok, err := rt.snapshots.LoadLatest(ctx)
		if err != nil {
			return false, fmt.Errorf("app: load snapshot: %w", err)
		}
		if ok {
			if err := deps.Journal.Save(ctx, rt.ledger.Snapshot()); err != nil {
				return false, fmt.Errorf("app: seed journal: %w", err)
			}
			return false, nil
		}
	}

	// Persist the initial policy so the next start finds a journal.
	if err := deps.Journal.Save(ctx, rt.ledger.Snapshot()); err != nil {
		return false, fmt.Errorf("app: seed journal: %w", err)
	}
	a.logger.InfoContext(ctx, "starting with an empty ledger")
	return true, nil
}

// bootstrapPolicy applies the configured report filters as the owner.
func (a *App) bootstrapPolicy(ctx context.Context, svc *service.LedgerService) error {
	var u domain.PolicyUpdate
	lc := a.cfg.Ledger
	if lc.ExpectedAuthor != "" {
		author := common.HexToAddress(lc.ExpectedAuthor)
		u.ExpectedAuthor = &author
	}
	if lc.ExpectedWorkflowName != "" {
		name := lc.ExpectedWorkflowName
		u.ExpectedWorkflowName = &name
	}
	if lc.ExpectedWorkflowID != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(lc.ExpectedWorkflowID, "0x"))
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("app: expected_workflow_id: invalid hash")
		}
		var id [32]byte
		copy(id[:], raw)
		u.ExpectedWorkflowID = &id
	}
	if u.ExpectedAuthor == nil && u.ExpectedWorkflowName == nil && u.ExpectedWorkflowID == nil {
		return nil
	}
	if _, err := svc.UpdatePolicy(ctx, common.HexToAddress(lc.Owner), u); err != nil {
		return fmt.Errorf("app: bootstrap policy: %w", err)
	}
	return nil
}

// startBackground launches the notification drain and the snapshot loop.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, rt *runtime) {
	g.Go(func() error {
		return rt.relay.Run(ctx)
	})
	if rt.snapshots != nil {
		g.Go(func() error {
			return rt.snapshots.Run(ctx)
		})
	}
}

// startHTTPServer registers the API and the websocket hub and serves until
// ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled")
		return
	}

	hub := ws.NewHub(deps.EventBus, service.ChannelEvents, rt.svc.Status, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Health, a.logger),
		Status:   handler.NewStatusHandler(rt.svc),
		Markets:  handler.NewMarketHandler(rt.svc, a.logger),
		Accounts: handler.NewAccountHandler(rt.svc, a.logger),
		Admin:    handler.NewAdminHandler(rt.svc, a.logger),
		Reports:  handler.NewReportHandler(rt.svc, a.logger),
		Events:   handler.NewEventHandler(rt.svc, a.logger),
	}

	// deps.RateLimiter stays a nil interface in memory mode, which disables
	// the limiter.
	srv := server.NewServer(server.Config{
		Port:                 a.cfg.Server.Port,
		CORSOrigins:          a.cfg.Server.CORSOrigins,
		APIKey:               a.cfg.Server.APIKey,
		CallerMaxSkew:        a.cfg.Server.CallerSkew(),
		InsecureCallerHeader: a.cfg.Server.InsecureCallerHeader,
		Nonces:               deps.LockManager,
		RateLimit:            a.cfg.Server.RateLimit,
		RateLimitWindow:      a.cfg.Server.Window(),
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
