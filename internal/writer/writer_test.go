package writer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/codec"
	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/providers/governor"
)

var (
	governorAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	signerAddr   = domain.NormalizeAddress("0x00000000000000000000000000000000000000e1")
	carolAddr    = domain.NormalizeAddress("0x00000000000000000000000000000000000000c3")
)

type submission struct {
	actions []governor.Action
	blob    string
}

// fakeGov records write calls and answers reads from canned maps.
type fakeGov struct {
	balance *big.Int
	votes   *big.Int

	nextID     int64
	proposeErr error

	proposals []submission
	casts     []struct {
		id      *big.Int
		support uint8
	}
	cancels   []common.Hash
	executes  []common.Hash
	delegates []domain.Address
}

func newFakeGov() *fakeGov {
	return &fakeGov{balance: big.NewInt(1), votes: big.NewInt(1), nextID: 100}
}

func (f *fakeGov) GetHistoricalEvents(context.Context) ([]domain.GovernorEvent, error) {
	return nil, nil
}

func (f *fakeGov) ParseEventLog(context.Context, types.Log) (*domain.GovernorEvent, error) {
	return nil, nil
}

func (f *fakeGov) SubscribeLogs(context.Context, uint64, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}

func (f *fakeGov) HeadBlock(context.Context) (uint64, error) { return 500, nil }

func (f *fakeGov) State(context.Context, *big.Int) (domain.GovernorState, error) {
	return domain.GovernorActive, nil
}

func (f *fakeGov) ProposalDeadline(context.Context, *big.Int) (time.Time, error) {
	return time.Unix(1800000000, 0), nil
}

func (f *fakeGov) Quorum(context.Context) (int, error) { return 2, nil }

func (f *fakeGov) BalanceOf(context.Context, domain.Address) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeGov) GetVotes(context.Context, domain.Address) (*big.Int, error) {
	return f.votes, nil
}

func (f *fakeGov) Propose(_ context.Context, actions []governor.Action, description string) (*big.Int, error) {
	if f.proposeErr != nil {
		return nil, f.proposeErr
	}
	f.proposals = append(f.proposals, submission{actions: actions, blob: description})
	f.nextID++
	return big.NewInt(f.nextID), nil
}

func (f *fakeGov) CastVote(_ context.Context, proposalID *big.Int, support uint8) error {
	f.casts = append(f.casts, struct {
		id      *big.Int
		support uint8
	}{proposalID, support})
	return nil
}

func (f *fakeGov) Cancel(_ context.Context, _ []governor.Action, descriptionHash common.Hash) error {
	f.cancels = append(f.cancels, descriptionHash)
	return nil
}

func (f *fakeGov) Execute(_ context.Context, _ []governor.Action, descriptionHash common.Hash) error {
	f.executes = append(f.executes, descriptionHash)
	return nil
}

func (f *fakeGov) Delegate(_ context.Context, delegatee domain.Address) error {
	f.delegates = append(f.delegates, delegatee)
	return nil
}

func (f *fakeGov) HashProposal([]governor.Action, common.Hash) (*big.Int, error) {
	return big.NewInt(f.nextID), nil
}

func (f *fakeGov) PackTransfer(to domain.Address, amount *big.Int) ([]byte, error) {
	return []byte(fmt.Sprintf("transfer:%s:%s", to, amount)), nil
}

func (f *fakeGov) SignerAddress() domain.Address   { return signerAddr }
func (f *fakeGov) GovernorAddress() common.Address { return governorAddr }
func (f *fakeGov) TokenAddress() common.Address    { return tokenAddr }
func (f *fakeGov) Close()                          {}

type fakeModels struct {
	model *domain.Model
}

func (f *fakeModels) Model() *domain.Model { return f.model }

func newWriter(gov *fakeGov, model *domain.Model) (*Writer, codec.Codec) {
	c := codec.New(adapter.NewJSON(), adapter.NewJCS())
	return New(gov, c, &fakeModels{model: model}), c
}

func TestCreateProposalSubmitsParentAndChildren(t *testing.T) {
	gov := newFakeGov()
	w, c := newWriter(gov, &domain.Model{})

	draft := Draft{
		Title:       "Budget 2026",
		Description: "Allocate the budget.",
		Items: []DraftItem{
			{Title: "Option A", Description: "Infra."},
			{NewVoterAddress: string(carolAddr), NewVoterName: "carol"},
		},
	}

	parentID, err := w.CreateProposal(context.Background(), draft)
	require.NoError(t, err)
	require.NotNil(t, parentID)
	require.Len(t, gov.proposals, 3)

	parent, err := c.Decode(gov.proposals[0].blob)
	require.NoError(t, err)
	assert.Equal(t, "Budget 2026", parent.(codec.ProposalPayload).Title)
	assert.Equal(t, governorAddr, gov.proposals[0].actions[0].Target)

	first, err := c.Decode(gov.proposals[1].blob)
	require.NoError(t, err)
	item := first.(codec.VoteItemPayload)
	assert.Equal(t, parentID.String(), item.ParentID)
	assert.Equal(t, 0, item.Index)

	second, err := c.Decode(gov.proposals[2].blob)
	require.NoError(t, err)
	grant := second.(codec.AddVoterVoteItemPayload)
	assert.Equal(t, parentID.String(), grant.ParentID)
	assert.Equal(t, 1, grant.Index)
	assert.Equal(t, string(carolAddr), grant.NewVoterAddress)
	// The grant item carries the token transfer, not the noop.
	assert.Equal(t, tokenAddr, gov.proposals[2].actions[0].Target)
	assert.NotEmpty(t, gov.proposals[2].actions[0].Calldata)
}

// budgetModel projects one "Budget 2026" proposal with a single plain item
// and one member-addition item, mirroring what a prior submission of
// budgetDraft() would look like.
func budgetModel(status domain.ProposalStatus) *domain.Model {
	return &domain.Model{Proposals: []*domain.Proposal{{
		ID:                   big.NewInt(1),
		Title:                "Budget 2026",
		Description:          "Allocate the budget.",
		SubmittedTitle:       "Budget 2026",
		SubmittedDescription: "Allocate the budget.",
		Status:               status,
		VoteItems: []*domain.VoteItem{
			{ID: big.NewInt(11), Index: 0, Title: "Option A", Description: "Infra."},
			{ID: big.NewInt(12), Index: 1, NewVoter: &domain.User{Address: carolAddr, Name: "carol"}},
		},
	}}}
}

func budgetDraft() Draft {
	return Draft{
		Title:       "Budget 2026",
		Description: "Allocate the budget.",
		Items: []DraftItem{
			{Title: "Option A", Description: "Infra."},
			{NewVoterAddress: string(carolAddr), NewVoterName: "carol"},
		},
	}
}

func TestCreateProposalRejectsDuplicate(t *testing.T) {
	gov := newFakeGov()
	w, _ := newWriter(gov, budgetModel(domain.StatusOpen))

	_, err := w.CreateProposal(context.Background(), budgetDraft())
	assert.ErrorIs(t, err, domain.ErrDuplicateProposal)
	assert.Empty(t, gov.proposals)
}

// The guard compares every projected proposal, cancelled ones included.
func TestCreateProposalRejectsDuplicateOfCancelled(t *testing.T) {
	gov := newFakeGov()
	w, _ := newWriter(gov, budgetModel(domain.StatusCancelled))

	_, err := w.CreateProposal(context.Background(), budgetDraft())
	assert.ErrorIs(t, err, domain.ErrDuplicateProposal)
	assert.Empty(t, gov.proposals)
}

// Identity is structural: the same title and description over a different
// item list is a different proposal.
func TestCreateProposalAcceptsDifferentItemList(t *testing.T) {
	tests := []struct {
		name  string
		items []DraftItem
	}{
		{name: "different plain item", items: []DraftItem{
			{Title: "Option B", Description: "Events."},
			{NewVoterAddress: string(carolAddr), NewVoterName: "carol"},
		}},
		{name: "different grant target", items: []DraftItem{
			{Title: "Option A", Description: "Infra."},
			{NewVoterAddress: string(signerAddr), NewVoterName: "eve"},
		}},
		{name: "reordered items", items: []DraftItem{
			{NewVoterAddress: string(carolAddr), NewVoterName: "carol"},
			{Title: "Option A", Description: "Infra."},
		}},
		{name: "extra item", items: []DraftItem{
			{Title: "Option A", Description: "Infra."},
			{NewVoterAddress: string(carolAddr), NewVoterName: "carol"},
			{Title: "Option C", Description: "Reserve."},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gov := newFakeGov()
			w, _ := newWriter(gov, budgetModel(domain.StatusOpen))

			draft := budgetDraft()
			draft.Items = tt.items
			_, err := w.CreateProposal(context.Background(), draft)
			require.NoError(t, err)
			assert.Len(t, gov.proposals, 1+len(tt.items))
		})
	}
}

func TestCreateProposalTranslatesThresholdRevert(t *testing.T) {
	gov := newFakeGov()
	gov.proposeErr = errors.New("execution reverted: Governor: proposer votes below proposal threshold")
	w, _ := newWriter(gov, &domain.Model{})

	_, err := w.CreateProposal(context.Background(), Draft{Title: "T", Description: "D"})
	assert.ErrorIs(t, err, domain.ErrIneligibleProposer)
}

func TestCastVote(t *testing.T) {
	gov := newFakeGov()
	w, _ := newWriter(gov, &domain.Model{})

	require.NoError(t, w.CastVote(context.Background(), big.NewInt(11), domain.VoteFor))
	require.Len(t, gov.casts, 1)
	assert.Equal(t, uint8(1), gov.casts[0].support)
}

func TestCastVoteRejectsZeroBalance(t *testing.T) {
	gov := newFakeGov()
	gov.balance = big.NewInt(0)
	w, _ := newWriter(gov, &domain.Model{})

	err := w.CastVote(context.Background(), big.NewInt(11), domain.VoteAgainst)
	assert.ErrorIs(t, err, domain.ErrIneligibleVoter)
	assert.Empty(t, gov.casts)
}

func TestCancelProposalUsesContentHash(t *testing.T) {
	gov := newFakeGov()
	model := &domain.Model{Proposals: []*domain.Proposal{{
		ID:                   big.NewInt(1),
		Title:                "Budget 2026",
		Description:          "Allocate the budget.",
		SubmittedTitle:       "Budget 2026",
		SubmittedDescription: "Allocate the budget.",
		Status:               domain.StatusOpen,
	}}}
	w, c := newWriter(gov, model)

	require.NoError(t, w.CancelProposal(context.Background(), big.NewInt(1)))
	require.Len(t, gov.cancels, 1)

	blob, err := c.Encode(codec.ProposalPayload{Title: "Budget 2026", Description: "Allocate the budget."})
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash([]byte(blob)), gov.cancels[0])
}

// A member-addition proposal displays synthesized text; the cancel hash must
// still come from the payload the author put on the ledger.
func TestCancelProposalHashesSubmittedText(t *testing.T) {
	gov := newFakeGov()
	model := &domain.Model{Proposals: []*domain.Proposal{{
		ID:                   big.NewInt(2),
		Title:                "Add carol as a voter",
		Description:          "Grant voting rights to carol (" + string(carolAddr) + ").",
		SubmittedTitle:       "New member",
		SubmittedDescription: "Grow the assembly.",
		Status:               domain.StatusOpen,
		VoteItems: []*domain.VoteItem{{
			ID:       big.NewInt(21),
			NewVoter: &domain.User{Address: carolAddr, Name: "carol"},
		}},
	}}}
	w, c := newWriter(gov, model)

	require.NoError(t, w.CancelProposal(context.Background(), big.NewInt(2)))
	require.Len(t, gov.cancels, 1)

	blob, err := c.Encode(codec.ProposalPayload{Title: "New member", Description: "Grow the assembly."})
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash([]byte(blob)), gov.cancels[0])
}

func TestCancelProposalNotFound(t *testing.T) {
	gov := newFakeGov()
	w, _ := newWriter(gov, &domain.Model{})

	err := w.CancelProposal(context.Background(), big.NewInt(99))
	assert.ErrorIs(t, err, domain.ErrProposalNotFound)
}

// grantModel holds one closed proposal with a passed, unexecuted grant for
// the signer.
func grantModel(executed bool) *domain.Model {
	item := &domain.VoteItem{
		ID:       big.NewInt(21),
		Index:    0,
		Title:    "Add eve as a voter",
		NewVoter: &domain.User{Address: signerAddr, Name: "eve"},
		Executed: executed,
		UserVotes: map[domain.Address]domain.VoteRecord{
			"0x01": {Option: domain.VoteFor},
			"0x02": {Option: domain.VoteFor},
		},
	}
	return &domain.Model{
		Quorum: 2,
		Proposals: []*domain.Proposal{{
			ID:        big.NewInt(2),
			Title:     "New member",
			Status:    domain.StatusClosed,
			VoteItems: []*domain.VoteItem{item},
		}},
	}
}

func TestAcceptVotingRightsFullSaga(t *testing.T) {
	gov := newFakeGov()
	gov.balance = big.NewInt(0)
	gov.votes = big.NewInt(0)
	w, _ := newWriter(gov, grantModel(false))

	require.NoError(t, w.AcceptVotingRights(context.Background()))
	assert.Len(t, gov.executes, 1)
	require.Len(t, gov.delegates, 1)
	assert.Equal(t, signerAddr, gov.delegates[0])
}

// Crash after the execute step: a retry skips execution and only delegates.
func TestAcceptVotingRightsResumesAfterExecute(t *testing.T) {
	gov := newFakeGov()
	gov.balance = big.NewInt(1)
	gov.votes = big.NewInt(0)
	w, _ := newWriter(gov, grantModel(true))

	require.NoError(t, w.AcceptVotingRights(context.Background()))
	assert.Empty(t, gov.executes)
	assert.Len(t, gov.delegates, 1)
}

func TestAcceptVotingRightsAlreadyComplete(t *testing.T) {
	gov := newFakeGov()
	w, _ := newWriter(gov, grantModel(true))

	require.NoError(t, w.AcceptVotingRights(context.Background()))
	assert.Empty(t, gov.executes)
	assert.Empty(t, gov.delegates)
}

func TestAcceptVotingRightsWithoutGrant(t *testing.T) {
	gov := newFakeGov()
	gov.balance = big.NewInt(0)
	gov.votes = big.NewInt(0)
	w, _ := newWriter(gov, &domain.Model{})

	err := w.AcceptVotingRights(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotExecutable)
}

func TestExecuteVoteItem(t *testing.T) {
	gov := newFakeGov()
	model := grantModel(false)
	w, c := newWriter(gov, model)

	require.NoError(t, w.ExecuteVoteItem(context.Background(), big.NewInt(21)))
	require.Len(t, gov.executes, 1)

	blob, err := c.Encode(codec.AddVoterVoteItemPayload{
		ParentID:        "2",
		Index:           0,
		NewVoterAddress: string(signerAddr),
		NewVoterName:    "eve",
	})
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash([]byte(blob)), gov.executes[0])
}

func TestExecuteVoteItemRejectsPlainItem(t *testing.T) {
	gov := newFakeGov()
	model := &domain.Model{Proposals: []*domain.Proposal{{
		ID:     big.NewInt(1),
		Status: domain.StatusClosed,
		VoteItems: []*domain.VoteItem{{
			ID:    big.NewInt(11),
			Title: "Plain",
		}},
	}}}
	w, _ := newWriter(gov, model)

	err := w.ExecuteVoteItem(context.Background(), big.NewInt(11))
	assert.ErrorIs(t, err, domain.ErrNotExecutable)
	assert.Empty(t, gov.executes)
}

func TestExecuteVoteItemIdempotent(t *testing.T) {
	gov := newFakeGov()
	w, _ := newWriter(gov, grantModel(true))

	require.NoError(t, w.ExecuteVoteItem(context.Background(), big.NewInt(21)))
	assert.Empty(t, gov.executes)
}
