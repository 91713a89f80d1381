package report_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/report"
)

func TestDecodeCreateMarket(t *testing.T) {
	raw, err := report.Encode(report.CreateMarketPayload{Question: "Will X happen?"})
	require.NoError(t, err)
	require.NotEqual(t, report.SettlePrefix, raw[0])

	p, err := report.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, report.CreateMarketPayload{Question: "Will X happen?"}, p)
	require.Equal(t, "create_market", p.Kind())
}

func TestDecodeRejectsUnstorableQuestion(t *testing.T) {
	str, _ := abi.NewType("string", "", nil)
	args := abi.Arguments{{Type: str}}

	for _, q := range []string{"\x00\xff", "Will\x00X?", "caf\xe9"} {
		raw, err := args.Pack(q)
		require.NoError(t, err)
		_, err = report.Decode(raw)
		require.ErrorIs(t, err, domain.ErrInvalidQuestion, "%q", q)
		require.ErrorIs(t, err, domain.ErrMalformedReport, "%q", q)

		_, err = report.Encode(report.CreateMarketPayload{Question: q})
		require.ErrorIs(t, err, domain.ErrInvalidQuestion, "%q", q)
	}

	// Empty and non-ASCII UTF-8 questions are fine.
	for _, q := range []string{"", "Wird es regnen? ☔"} {
		raw, err := args.Pack(q)
		require.NoError(t, err)
		p, err := report.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, report.CreateMarketPayload{Question: q}, p)
	}
}

func TestDecodeSettleMarket(t *testing.T) {
	want := report.SettleMarketPayload{MarketID: 7, Outcome: domain.OutcomeNo, Confidence: 9000}
	raw, err := report.Encode(want)
	require.NoError(t, err)
	require.Equal(t, report.SettlePrefix, raw[0])
	require.Len(t, raw, 1+3*32)

	p, err := report.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, want, p)
}

func TestDecodeRejectsBadSettlements(t *testing.T) {
	u256, _ := abi.NewType("uint256", "", nil)
	u8, _ := abi.NewType("uint8", "", nil)
	u16, _ := abi.NewType("uint16", "", nil)
	args := abi.Arguments{{Type: u256}, {Type: u8}, {Type: u16}}

	pack := func(id *big.Int, outcome uint8, confidence uint16) []byte {
		body, err := args.Pack(id, outcome, confidence)
		require.NoError(t, err)
		return append([]byte{report.SettlePrefix}, body...)
	}

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, report.ErrEmptyReport},
		{"outcome out of domain", pack(big.NewInt(1), 2, 100), report.ErrInvalidOutcome},
		{"confidence above scale", pack(big.NewInt(1), 0, 10001), report.ErrConfidenceOutOfRange},
		{"market id overflow", pack(new(big.Int).Lsh(big.NewInt(1), 70), 0, 1), report.ErrMarketIDOverflow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := report.Decode(tc.raw)
			require.ErrorIs(t, err, domain.ErrMalformedReport)
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err := report.Decode([]byte{report.SettlePrefix, 0x00})
	require.ErrorIs(t, err, domain.ErrMalformedReport)
}

func TestConfidenceBoundaryAccepted(t *testing.T) {
	raw, err := report.Encode(report.SettleMarketPayload{MarketID: 1, Outcome: domain.OutcomeYes, Confidence: 10000})
	require.NoError(t, err)
	p, err := report.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(10000), p.(report.SettleMarketPayload).Confidence)
}

func TestMetadataPacking(t *testing.T) {
	m := report.Metadata{
		WorkflowName: report.WorkflowNameHash("market-settler"),
		Owner:        common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
	m.WorkflowID[31] = 0x42

	raw := report.EncodeMetadata(m)
	require.Len(t, raw, report.MetadataLen)

	got, err := report.DecodeMetadata(append(raw, 0xff))
	require.NoError(t, err)
	require.Equal(t, m, got)

	_, err = report.DecodeMetadata(raw[:report.MetadataLen-1])
	require.ErrorIs(t, err, domain.ErrInvalidMetadata)
}

func TestWorkflowNameHash(t *testing.T) {
	require.Equal(t, [10]byte{}, report.WorkflowNameHash(""))

	// sha256("abc") = ba7816bf8f01cfea...
	require.Equal(t, [10]byte{'b', 'a', '7', '8', '1', '6', 'b', 'f', '8', 'f'}, report.WorkflowNameHash("abc"))
}
