package projection

import (
	"context"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/codec"
	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/membership"
)

const (
	authorAddr = "0x00000000000000000000000000000000000000a1"
	voterAddr  = "0x00000000000000000000000000000000000000b2"
	carolAddr  = "0x00000000000000000000000000000000000000c3"
)

type fakeSource struct {
	events []domain.GovernorEvent
}

func (f *fakeSource) GetHistoricalEvents(_ context.Context) ([]domain.GovernorEvent, error) {
	return f.events, nil
}

type fakeChain struct {
	states    map[string]domain.GovernorState
	deadlines map[string]time.Time
	quorum    int
	head      uint64
}

func (f *fakeChain) State(_ context.Context, proposalID *big.Int) (domain.GovernorState, error) {
	if state, ok := f.states[proposalID.String()]; ok {
		return state, nil
	}
	return domain.GovernorActive, nil
}

func (f *fakeChain) ProposalDeadline(_ context.Context, proposalID *big.Int) (time.Time, error) {
	if deadline, ok := f.deadlines[proposalID.String()]; ok {
		return deadline, nil
	}
	return time.Unix(1800000000, 0), nil
}

func (f *fakeChain) Quorum(_ context.Context) (int, error) { return f.quorum, nil }

func (f *fakeChain) HeadBlock(_ context.Context) (uint64, error) { return f.head, nil }

// harness wires a projector over a canned event log.
type harness struct {
	t     *testing.T
	codec codec.Codec
	chain *fakeChain

	events []domain.GovernorEvent
	block  uint64
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:     t,
		codec: codec.New(adapter.NewJSON(), adapter.NewJCS()),
		chain: &fakeChain{
			states:    make(map[string]domain.GovernorState),
			deadlines: make(map[string]time.Time),
			quorum:    2,
			head:      500,
		},
		block: 100,
	}
}

func (h *harness) nextBlock() uint64 {
	h.block++
	return h.block
}

func (h *harness) encode(p codec.Payload) string {
	blob, err := h.codec.Encode(p)
	require.NoError(h.t, err)
	return blob
}

func (h *harness) created(id int64, proposer string, blob string) {
	block := h.nextBlock()
	h.events = append(h.events, domain.GovernorEvent{
		Kind:        domain.EventProposalCreated,
		ProposalID:  big.NewInt(id),
		Proposer:    domain.NormalizeAddress(proposer),
		Description: blob,
		BlockNumber: block,
		Timestamp:   time.Unix(int64(1700000000+block), 0),
	})
}

func (h *harness) voted(id int64, voter string, option domain.VoteOption) {
	block := h.nextBlock()
	h.events = append(h.events, domain.GovernorEvent{
		Kind:        domain.EventVoteCast,
		ProposalID:  big.NewInt(id),
		Voter:       domain.NormalizeAddress(voter),
		Option:      option,
		BlockNumber: block,
		Timestamp:   time.Unix(int64(1700000000+block), 0),
	})
}

func (h *harness) cancelled(id int64) {
	block := h.nextBlock()
	h.chain.states[big.NewInt(id).String()] = domain.GovernorCanceled
	h.events = append(h.events, domain.GovernorEvent{
		Kind:        domain.EventProposalCanceled,
		ProposalID:  big.NewInt(id),
		BlockNumber: block,
		Timestamp:   time.Unix(int64(1700000000+block), 0),
	})
}

func (h *harness) executed(id int64) {
	block := h.nextBlock()
	h.events = append(h.events, domain.GovernorEvent{
		Kind:        domain.EventProposalExecuted,
		ProposalID:  big.NewInt(id),
		BlockNumber: block,
		Timestamp:   time.Unix(int64(1700000000+block), 0),
	})
}

func (h *harness) build(events []domain.GovernorEvent) (*domain.Model, error) {
	projector := NewProjector(
		&fakeSource{events: events},
		h.chain,
		h.codec,
		membership.NewProjector(map[string]string{authorAddr: "alice"}),
		adapter.NewClock(),
	)
	return projector.Build(context.Background())
}

// standardLog builds one proposal with two vote items and a second proposal
// with a member-addition item, plus votes.
func (h *harness) standardLog() {
	h.created(1, authorAddr, h.encode(codec.ProposalPayload{Title: "Budget 2026", Description: "Allocate the budget."}))
	h.created(11, authorAddr, h.encode(codec.VoteItemPayload{ParentID: "1", Index: 0, Title: "Option A", Description: "Spend on infra."}))
	h.created(12, authorAddr, h.encode(codec.VoteItemPayload{ParentID: "1", Index: 1, Title: "Option B", Description: "Spend on events."}))
	h.created(2, authorAddr, h.encode(codec.ProposalPayload{Title: "New member", Description: "Grow the assembly."}))
	h.created(21, authorAddr, h.encode(codec.AddVoterVoteItemPayload{ParentID: "2", Index: 0, NewVoterAddress: carolAddr, NewVoterName: "carol"}))
	h.voted(11, voterAddr, domain.VoteFor)
	h.voted(11, authorAddr, domain.VoteAgainst)
	h.voted(21, voterAddr, domain.VoteFor)
	h.voted(21, authorAddr, domain.VoteFor)
}

func TestBuildStandardLog(t *testing.T) {
	h := newHarness(t)
	h.standardLog()

	model, err := h.build(h.events)
	require.NoError(t, err)
	require.Len(t, model.Proposals, 2)
	assert.Equal(t, 2, model.Quorum)
	assert.Equal(t, uint64(500), model.HeadBlock)

	budget := model.ProposalByID(big.NewInt(1))
	require.NotNil(t, budget)
	assert.Equal(t, "Budget 2026", budget.Title)
	assert.Equal(t, domain.StatusOpen, budget.Status)
	assert.Equal(t, "alice", budget.Author.Name)
	require.Len(t, budget.VoteItems, 2)
	assert.Equal(t, "Option A", budget.VoteItems[0].Title)
	assert.Equal(t, "Option B", budget.VoteItems[1].Title)
	assert.Len(t, budget.VoteItems[0].UserVotes, 2)

	member := model.ProposalByID(big.NewInt(2))
	require.NotNil(t, member)
	require.Len(t, member.VoteItems, 1)
	item := member.VoteItems[0]
	require.True(t, item.IsAddVoter())
	assert.Equal(t, "Add carol as a voter", item.Title)
	assert.Equal(t, domain.NormalizeAddress(carolAddr), item.NewVoter.Address)
}

// A proposal whose only item is a member addition renders the synthesized
// grant text, not the proposer's free text; the submitted text survives for
// the cancel path.
func TestBuildSynthesizesMemberAdditionProposalText(t *testing.T) {
	h := newHarness(t)
	h.standardLog()

	model, err := h.build(h.events)
	require.NoError(t, err)

	member := model.ProposalByID(big.NewInt(2))
	require.NotNil(t, member)
	assert.Equal(t, "Add carol as a voter", member.Title)
	assert.Equal(t, "Grant voting rights to carol ("+string(domain.NormalizeAddress(carolAddr))+").", member.Description)
	assert.Equal(t, "New member", member.SubmittedTitle)
	assert.Equal(t, "Grow the assembly.", member.SubmittedDescription)

	// A multi-item proposal keeps the proposer's text even when one of its
	// items is a member addition.
	budget := model.ProposalByID(big.NewInt(1))
	require.NotNil(t, budget)
	assert.Equal(t, "Budget 2026", budget.Title)
	assert.Equal(t, budget.Title, budget.SubmittedTitle)
}

// Old single-item records carry their votes on the proposal's own id; they
// project as one pseudo-item mirroring the parent.
func TestBuildLegacyParentVotes(t *testing.T) {
	h := newHarness(t)
	h.created(5, authorAddr, h.encode(codec.ProposalPayload{Title: "Legacy question", Description: "One question, no items."}))
	h.voted(5, voterAddr, domain.VoteFor)
	h.voted(5, authorAddr, domain.VoteAbstain)

	model, err := h.build(h.events)
	require.NoError(t, err)

	legacy := model.ProposalByID(big.NewInt(5))
	require.NotNil(t, legacy)
	require.Len(t, legacy.VoteItems, 1)
	item := legacy.VoteItems[0]
	assert.Zero(t, item.ID.Cmp(legacy.ID))
	assert.Equal(t, "Legacy question", item.Title)
	require.Len(t, item.UserVotes, 2)
	assert.Equal(t, domain.VoteFor, item.UserVotes[domain.NormalizeAddress(voterAddr)].Option)

	// The feed resolves these votes like any other item vote.
	feed := model.Activity[domain.NormalizeAddress(voterAddr)]
	require.NotEmpty(t, feed)
	assert.Equal(t, domain.ActivityVote, feed[0].Kind)
	assert.Equal(t, "Legacy question", feed[0].ItemTitle)
}

// The model must not depend on physical arrival order: children may precede
// parents and votes may precede their items.
func TestBuildIsPermutationIndependent(t *testing.T) {
	h := newHarness(t)
	h.standardLog()

	reference, err := h.build(h.events)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 10; round++ {
		shuffled := make([]domain.GovernorEvent, len(h.events))
		copy(shuffled, h.events)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		model, err := h.build(shuffled)
		require.NoError(t, err)
		require.Len(t, model.Proposals, len(reference.Proposals))

		for _, want := range reference.Proposals {
			got := model.ProposalByID(want.ID)
			require.NotNil(t, got)
			assert.Equal(t, want.Title, got.Title)
			require.Len(t, got.VoteItems, len(want.VoteItems))
			for i, wantItem := range want.VoteItems {
				assert.Equal(t, wantItem.Title, got.VoteItems[i].Title, "item order must follow recorded index")
				assert.Len(t, got.VoteItems[i].UserVotes, len(wantItem.UserVotes))
			}
		}
	}
}

// One corrupt record of N must cost exactly that record.
func TestBuildSkipsCorruptRecords(t *testing.T) {
	h := newHarness(t)
	h.standardLog()
	h.created(3, authorAddr, "{not json at all")
	h.created(4, authorAddr, h.encode(codec.ProposalPayload{Title: "Still fine", Description: "Survives the corrupt neighbor."}))

	model, err := h.build(h.events)
	require.NoError(t, err)
	assert.Len(t, model.Proposals, 3)
	assert.Nil(t, model.ProposalByID(big.NewInt(3)))
	assert.NotNil(t, model.ProposalByID(big.NewInt(4)))
}

func TestBuildRevoteLastWriteWins(t *testing.T) {
	h := newHarness(t)
	h.created(1, authorAddr, h.encode(codec.ProposalPayload{Title: "P", Description: "d"}))
	h.created(11, authorAddr, h.encode(codec.VoteItemPayload{ParentID: "1", Index: 0, Title: "Q", Description: "d"}))
	h.voted(11, voterAddr, domain.VoteFor)
	h.voted(11, voterAddr, domain.VoteAgainst)

	model, err := h.build(h.events)
	require.NoError(t, err)

	_, item := model.VoteItemByID(big.NewInt(11))
	require.NotNil(t, item)
	require.Len(t, item.UserVotes, 1)
	assert.Equal(t, domain.VoteAgainst, item.UserVotes[domain.NormalizeAddress(voterAddr)].Option)
}

func TestBuildCancelledProposal(t *testing.T) {
	h := newHarness(t)
	h.created(1, authorAddr, h.encode(codec.ProposalPayload{Title: "P", Description: "d"}))
	h.cancelled(1)

	model, err := h.build(h.events)
	require.NoError(t, err)
	require.Len(t, model.Proposals, 1)
	assert.Equal(t, domain.StatusCancelled, model.Proposals[0].Status)
}

func TestBuildDropsOrphanItems(t *testing.T) {
	h := newHarness(t)
	h.created(11, authorAddr, h.encode(codec.VoteItemPayload{ParentID: "999", Index: 0, Title: "Orphan", Description: "d"}))

	model, err := h.build(h.events)
	require.NoError(t, err)
	assert.Empty(t, model.Proposals)
}

func TestBuildMembershipFromPassedGrant(t *testing.T) {
	h := newHarness(t)
	h.created(2, authorAddr, h.encode(codec.ProposalPayload{Title: "New member", Description: "d"}))
	h.created(21, authorAddr, h.encode(codec.AddVoterVoteItemPayload{ParentID: "2", Index: 0, NewVoterAddress: carolAddr, NewVoterName: "carol"}))
	h.voted(21, voterAddr, domain.VoteFor)
	h.voted(21, authorAddr, domain.VoteFor)
	h.chain.states[big.NewInt(2).String()] = domain.GovernorSucceeded

	model, err := h.build(h.events)
	require.NoError(t, err)

	carol := domain.NormalizeAddress(carolAddr)
	require.Contains(t, model.Members, carol)
	assert.Equal(t, "carol", model.Members[carol].Name)
}

func TestBuildExecutedItemFlag(t *testing.T) {
	h := newHarness(t)
	h.created(2, authorAddr, h.encode(codec.ProposalPayload{Title: "New member", Description: "d"}))
	h.created(21, authorAddr, h.encode(codec.AddVoterVoteItemPayload{ParentID: "2", Index: 0, NewVoterAddress: carolAddr, NewVoterName: "carol"}))
	h.executed(21)

	model, err := h.build(h.events)
	require.NoError(t, err)

	_, item := model.VoteItemByID(big.NewInt(21))
	require.NotNil(t, item)
	assert.True(t, item.Executed)
}

func TestBuildActivityFeeds(t *testing.T) {
	h := newHarness(t)
	h.standardLog()
	h.cancelled(2)

	model, err := h.build(h.events)
	require.NoError(t, err)

	author := model.Activity[domain.NormalizeAddress(authorAddr)]
	require.NotEmpty(t, author)
	// Newest first: the cancel happened after everything else. The member
	// proposal renders its synthesized display title everywhere.
	assert.Equal(t, domain.ActivityDelete, author[0].Kind)
	assert.Equal(t, "Add carol as a voter", author[0].ProposalTitle)

	var kinds []domain.ActivityKind
	for _, entry := range author {
		kinds = append(kinds, entry.Kind)
	}
	assert.Contains(t, kinds, domain.ActivityCreate)
	assert.Contains(t, kinds, domain.ActivityVote)

	voter := model.Activity[domain.NormalizeAddress(voterAddr)]
	require.Len(t, voter, 2)
	for _, entry := range voter {
		assert.Equal(t, domain.ActivityVote, entry.Kind)
		assert.NotEmpty(t, entry.ItemTitle)
	}
}

func TestServiceRefreshAndNotify(t *testing.T) {
	h := newHarness(t)
	h.standardLog()

	projector := NewProjector(
		&fakeSource{events: h.events},
		h.chain,
		h.codec,
		membership.NewProjector(map[string]string{authorAddr: "alice"}),
		adapter.NewClock(),
	)
	service := NewService(projector)
	assert.Nil(t, service.Model())

	notified := 0
	unsubscribe := service.OnProposalsChanged(func(model *domain.Model) {
		notified++
		assert.Len(t, model.Proposals, 2)
	})

	require.NoError(t, service.Refresh(context.Background()))
	require.NotNil(t, service.Model())
	assert.Equal(t, 1, notified)

	unsubscribe()
	require.NoError(t, service.Refresh(context.Background()))
	assert.Equal(t, 1, notified)
}
