package ledger_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/ledger"
	"github.com/alanyoungcy/marketledger/internal/report"
)

var (
	author     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	workflowID = [32]byte{31: 0x07}
)

func metadataFor(id [32]byte, name string, owner common.Address) []byte {
	return report.EncodeMetadata(report.Metadata{
		WorkflowID:   id,
		WorkflowName: report.WorkflowNameHash(name),
		Owner:        owner,
	})
}

func TestNewPolicyRejectsZeroForwarder(t *testing.T) {
	_, err := ledger.NewPolicy(owner, common.Address{})
	require.ErrorIs(t, err, domain.ErrInvalidForwarderAddress)

	_, err = ledger.New(owner, common.Address{})
	require.ErrorIs(t, err, domain.ErrInvalidForwarderAddress)
}

func TestAuthorize(t *testing.T) {
	good := metadataFor(workflowID, "settler", author)

	tests := []struct {
		name     string
		policy   domain.Policy
		sender   common.Address
		metadata []byte
		want     error
	}{
		{
			name:   "sender matches forwarder, no filters",
			policy: domain.Policy{ForwarderAddress: forwarder},
			sender: forwarder,
		},
		{
			name:   "foreign sender",
			policy: domain.Policy{ForwarderAddress: forwarder},
			sender: alice,
			want:   domain.ErrInvalidSender,
		},
		{
			name:   "forwarder cleared accepts anyone",
			policy: domain.Policy{},
			sender: alice,
		},
		{
			name:     "short metadata with filter set",
			policy:   domain.Policy{ForwarderAddress: forwarder, ExpectedAuthor: author},
			sender:   forwarder,
			metadata: good[:20],
			want:     domain.ErrInvalidMetadata,
		},
		{
			name:     "wrong workflow id",
			policy:   domain.Policy{ForwarderAddress: forwarder, ExpectedWorkflowID: [32]byte{1}},
			sender:   forwarder,
			metadata: good,
			want:     domain.ErrInvalidWorkflowID,
		},
		{
			name:     "wrong author",
			policy:   domain.Policy{ForwarderAddress: forwarder, ExpectedAuthor: bob},
			sender:   forwarder,
			metadata: good,
			want:     domain.ErrInvalidAuthor,
		},
		{
			name:     "name without author",
			policy:   domain.Policy{ForwarderAddress: forwarder, ExpectedWorkflowName: report.WorkflowNameHash("settler")},
			sender:   forwarder,
			metadata: good,
			want:     domain.ErrWorkflowNameRequiresAuthorValidation,
		},
		{
			name: "wrong name",
			policy: domain.Policy{
				ForwarderAddress:     forwarder,
				ExpectedAuthor:       author,
				ExpectedWorkflowName: report.WorkflowNameHash("other"),
			},
			sender:   forwarder,
			metadata: good,
			want:     domain.ErrInvalidWorkflowName,
		},
		{
			name: "all filters match",
			policy: domain.Policy{
				ForwarderAddress:     forwarder,
				ExpectedAuthor:       author,
				ExpectedWorkflowName: report.WorkflowNameHash("settler"),
				ExpectedWorkflowID:   workflowID,
			},
			sender:   forwarder,
			metadata: good,
		},
		{
			name:     "id checked before author",
			policy:   domain.Policy{ForwarderAddress: forwarder, ExpectedAuthor: bob, ExpectedWorkflowID: [32]byte{1}},
			sender:   forwarder,
			metadata: good,
			want:     domain.ErrInvalidWorkflowID,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ledger.Authorize(tc.policy, tc.sender, tc.metadata)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

type ReceiverSuite struct {
	suite.Suite
	ctx    context.Context
	ledger *ledger.Ledger
}

func TestReceiverSuite(t *testing.T) {
	suite.Run(t, new(ReceiverSuite))
}

func (s *ReceiverSuite) SetupTest() {
	s.ctx = context.Background()
	l, err := ledger.New(owner, forwarder)
	s.Require().NoError(err)
	s.ledger = l
}

func (s *ReceiverSuite) createReport(q string) []byte {
	raw, err := report.Encode(report.CreateMarketPayload{Question: q})
	s.Require().NoError(err)
	return raw
}

func (s *ReceiverSuite) TestForeignSenderChangesNothing() {
	err := s.ledger.OnReport(s.ctx, alice, nil, s.createReport("Will X?"))
	s.Require().ErrorIs(err, domain.ErrInvalidSender)
	s.Require().Zero(s.ledger.MarketCount())
	s.Require().Zero(s.ledger.Seq())
}

func (s *ReceiverSuite) TestMalformedReport() {
	err := s.ledger.OnReport(s.ctx, forwarder, nil, []byte{0x01, 0x02})
	s.Require().ErrorIs(err, domain.ErrMalformedReport)
	s.Require().Zero(s.ledger.MarketCount())
}

func (s *ReceiverSuite) TestOwnerSettersAndFilters() {
	s.Require().ErrorIs(s.ledger.SetExpectedAuthor(s.ctx, alice, author), domain.ErrNotOwner)
	s.Require().NoError(s.ledger.SetExpectedAuthor(s.ctx, owner, author))
	s.Require().NoError(s.ledger.SetExpectedWorkflowName(s.ctx, owner, "settler"))
	s.Require().NoError(s.ledger.SetExpectedWorkflowID(s.ctx, owner, workflowID))

	p := s.ledger.Policy()
	s.Require().Equal(author, p.ExpectedAuthor)
	s.Require().Equal(report.WorkflowNameHash("settler"), p.ExpectedWorkflowName)

	err := s.ledger.OnReport(s.ctx, forwarder, metadataFor(workflowID, "settler", bob), s.createReport("q"))
	s.Require().ErrorIs(err, domain.ErrInvalidAuthor)

	s.Require().NoError(s.ledger.OnReport(s.ctx, forwarder, metadataFor(workflowID, "settler", author), s.createReport("q")))
	s.Require().Equal(uint64(1), s.ledger.MarketCount())

	s.Require().NoError(s.ledger.SetExpectedWorkflowName(s.ctx, owner, ""))
	s.Require().Equal([10]byte{}, s.ledger.Policy().ExpectedWorkflowName)
}

func (s *ReceiverSuite) TestClearingForwarderDisablesSenderCheck() {
	s.Require().NoError(s.ledger.SetForwarderAddress(s.ctx, owner, common.Address{}))
	s.Require().NoError(s.ledger.OnReport(s.ctx, alice, nil, s.createReport("open")))
	s.Require().Equal(alice, s.ledger.GetMarket(1).Creator)
}

func (s *ReceiverSuite) TestTransferOwnership() {
	s.Require().ErrorIs(s.ledger.TransferOwnership(s.ctx, alice, alice), domain.ErrNotOwner)
	s.Require().NoError(s.ledger.TransferOwnership(s.ctx, owner, alice))
	s.Require().Equal(alice, s.ledger.Owner())
	s.Require().ErrorIs(s.ledger.SetForwarderAddress(s.ctx, owner, bob), domain.ErrNotOwner)
	s.Require().NoError(s.ledger.SetForwarderAddress(s.ctx, alice, bob))
	s.Require().Equal(bob, s.ledger.Policy().ForwarderAddress)
}
