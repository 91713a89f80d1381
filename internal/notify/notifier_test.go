package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

type captureSender struct {
	name   string
	titles []string
	err    error
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersByKind(t *testing.T) {
	s := &captureSender{name: "capture"}
	n := NewNotifier([]Sender{s}, []string{"market_settled", " "}, discard())
	require.True(t, n.Enabled())

	yes := domain.OutcomeYes
	conf := uint16(9050)
	ctx := context.Background()
	require.NoError(t, n.NotifyEvent(ctx, domain.Event{Kind: domain.EventMarketSettled, MarketID: 3, Side: &yes, Confidence: &conf}))
	require.NoError(t, n.NotifyEvent(ctx, domain.Event{Kind: domain.EventDeposit}))
	require.Equal(t, []string{"Market #3 settled"}, s.titles)
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &captureSender{name: "ok"}
	bad := &captureSender{name: "bad", err: boom}
	n := NewNotifier([]Sender{bad, ok}, nil, discard())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.ErrorIs(t, err, boom)
	require.Len(t, ok.titles, 1)
}

func TestFormatEvent(t *testing.T) {
	no := domain.OutcomeNo
	conf := uint16(7525)
	title, msg := FormatEvent(domain.Event{Seq: 4, Kind: domain.EventMarketSettled, MarketID: 1, Side: &no, Confidence: &conf})
	require.Equal(t, "Market #1 settled", title)
	require.Contains(t, msg, "Outcome: NO")
	require.Contains(t, msg, "Confidence: 75.25%")

	who := common.HexToAddress("0x0a")
	_, msg = FormatEvent(domain.Event{Kind: domain.EventWinningsClaimed, MarketID: 1, Account: &who, Amount: big.NewInt(150)})
	require.Contains(t, msg, "received 150")
}

func TestSendersPostJSON(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL + "/hook")
	require.NoError(t, d.Send(context.Background(), "Title", "body"))
	require.Equal(t, "**Title**\nbody", got["content"])

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), "Title", "body"))
	require.Equal(t, "/botTOKEN/sendMessage", path)
	require.Equal(t, "42", got["chat_id"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer failing.Close()
	require.Error(t, NewDiscordSender(failing.URL).Send(context.Background(), "t", "m"))
}
