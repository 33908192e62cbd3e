// Package projection rebuilds the portal's read model from the governor's
// event log. The model owns no state of its own: every rebuild starts from
// the raw records and must converge to the same result regardless of how the
// records were interleaved on the ledger.
package projection

import (
	"context"
	"math/big"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/codec"
	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/logger"
	"github.com/openassembly/gov-portal/internal/membership"
)

// EventSource supplies the full historical record set in ledger order.
type EventSource interface {
	GetHistoricalEvents(ctx context.Context) ([]domain.GovernorEvent, error)
}

// ChainReader reads derived proposal facts the event log does not carry.
type ChainReader interface {
	State(ctx context.Context, proposalID *big.Int) (domain.GovernorState, error)
	ProposalDeadline(ctx context.Context, proposalID *big.Int) (time.Time, error)
	Quorum(ctx context.Context) (int, error)
	HeadBlock(ctx context.Context) (uint64, error)
}

// Projector folds governor events into a display model.
type Projector struct {
	source  EventSource
	chain   ChainReader
	codec   codec.Codec
	members *membership.Projector
	clock   adapter.Clock
}

// NewProjector creates a projector.
func NewProjector(source EventSource, chain ChainReader, c codec.Codec, members *membership.Projector, clock adapter.Clock) *Projector {
	return &Projector{
		source:  source,
		chain:   chain,
		codec:   c,
		members: members,
		clock:   clock,
	}
}

// childItem is a decoded vote item awaiting correlation with its parent.
type childItem struct {
	item     *domain.VoteItem
	parentID string
	arrival  int
}

// Build replays the full event log into a fresh model. Individually corrupt
// records are skipped with a log line; provider faults abort the build.
func (p *Projector) Build(ctx context.Context) (*domain.Model, error) {
	events, err := p.source.GetHistoricalEvents(ctx)
	if err != nil {
		return nil, err
	}

	head, err := p.chain.HeadBlock(ctx)
	if err != nil {
		return nil, err
	}

	quorum, err := p.chain.Quorum(ctx)
	if err != nil {
		return nil, err
	}

	// Pass 1: decode creation blobs and bucket votes. Children declare their
	// parent by id inside the payload, so a child arriving before its parent
	// is parked rather than dropped.
	var proposals []*domain.Proposal
	children := make(map[string][]childItem)
	votes := make(map[string]map[domain.Address]domain.VoteRecord)
	executed := make(map[string]bool)
	cancelled := make(map[string]bool)

	for i, event := range events {
		switch event.Kind {
		case domain.EventProposalCreated:
			payload, err := p.codec.Decode(event.Description)
			if err != nil {
				logger.WarnCtx(ctx, "Skipping proposal with undecodable payload",
					zap.String("proposalId", event.ProposalID.String()),
					zap.String("txHash", event.TxHash),
					zap.Error(err))
				continue
			}

			switch v := payload.(type) {
			case codec.ProposalPayload:
				proposals = append(proposals, &domain.Proposal{
					ID:                   event.ProposalID,
					Title:                v.Title,
					Description:          v.Description,
					SubmittedTitle:       v.Title,
					SubmittedDescription: v.Description,
					Author:               domain.User{Address: event.Proposer, Name: domain.UnknownUserName},
					CreatedAt:            event.Timestamp,
					FileDigest:           v.FileDigest,
				})

			case codec.VoteItemPayload:
				children[v.ParentID] = append(children[v.ParentID], childItem{
					item: &domain.VoteItem{
						ID:          event.ProposalID,
						Index:       v.Index,
						Title:       v.Title,
						Description: v.Description,
						UserVotes:   make(map[domain.Address]domain.VoteRecord),
					},
					parentID: v.ParentID,
					arrival:  i,
				})

			case codec.AddVoterVoteItemPayload:
				addr := domain.NormalizeAddress(v.NewVoterAddress)
				name := v.NewVoterName
				if name == "" {
					name = domain.UnknownUserName
				}
				children[v.ParentID] = append(children[v.ParentID], childItem{
					item: &domain.VoteItem{
						ID:          event.ProposalID,
						Index:       v.Index,
						Title:       addVoterTitle(name),
						Description: addVoterDescription(name, addr),
						UserVotes:   make(map[domain.Address]domain.VoteRecord),
						NewVoter:    &domain.User{Address: addr, Name: name},
					},
					parentID: v.ParentID,
					arrival:  i,
				})
			}

		case domain.EventVoteCast:
			// One record per (item, voter): a later cast overwrites.
			key := event.ProposalID.String()
			if votes[key] == nil {
				votes[key] = make(map[domain.Address]domain.VoteRecord)
			}
			votes[key][event.Voter] = domain.VoteRecord{
				Option:    event.Option,
				Timestamp: event.Timestamp,
				Voter:     domain.User{Address: event.Voter, Name: domain.UnknownUserName},
			}

		case domain.EventProposalExecuted:
			executed[event.ProposalID.String()] = true

		case domain.EventProposalCanceled:
			cancelled[event.ProposalID.String()] = true
		}
	}

	// Pass 2: attach children to their parents in recorded index order, not
	// arrival order, and merge the bucketed votes.
	for _, proposal := range proposals {
		bucket := children[proposal.ID.String()]
		delete(children, proposal.ID.String())

		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].item.Index != bucket[j].item.Index {
				return bucket[i].item.Index < bucket[j].item.Index
			}
			return bucket[i].arrival < bucket[j].arrival
		})

		for _, child := range bucket {
			child.item.Executed = executed[child.item.ID.String()]
			if itemVotes, ok := votes[child.item.ID.String()]; ok {
				child.item.UserVotes = itemVotes
			}
			proposal.VoteItems = append(proposal.VoteItems, child.item)
		}

		// Legacy single-item records carry their votes on the proposal's own
		// id. Surface them through a pseudo-item mirroring the parent so the
		// tally and the feeds see them like any other item.
		if parentVotes, ok := votes[proposal.ID.String()]; ok {
			if len(proposal.VoteItems) == 0 {
				proposal.VoteItems = append(proposal.VoteItems, &domain.VoteItem{
					ID:          proposal.ID,
					Title:       proposal.Title,
					Description: proposal.Description,
					UserVotes:   parentVotes,
				})
			} else {
				logger.WarnCtx(ctx, "Dropping votes cast on the parent of an itemized proposal",
					zap.String("proposalId", proposal.ID.String()),
					zap.Int("votes", len(parentVotes)))
			}
		}

		// A proposal whose only item is a member addition renders with
		// synthesized text; the author's free text is not trusted to describe
		// the grant.
		if len(proposal.VoteItems) == 1 && proposal.VoteItems[0].IsAddVoter() {
			voter := proposal.VoteItems[0].NewVoter
			proposal.Title = addVoterTitle(voter.Name)
			proposal.Description = addVoterDescription(voter.Name, voter.Address)
		}
	}

	for parentID, orphans := range children {
		for _, orphan := range orphans {
			logger.WarnCtx(ctx, "Dropping vote item with no projected parent",
				zap.String("itemId", orphan.item.ID.String()),
				zap.String("parentId", parentID))
		}
	}

	// Pass 3: derive each proposal's lifecycle status off the governor. An
	// unknown native state drops that one proposal; a provider fault aborts.
	kept := proposals[:0]
	for _, proposal := range proposals {
		status, err := p.resolveStatus(ctx, proposal, cancelled)
		if err != nil {
			if domain.IsRetryable(err) {
				return nil, err
			}
			logger.WarnCtx(ctx, "Skipping proposal with unresolvable state",
				zap.String("proposalId", proposal.ID.String()),
				zap.Error(err))
			continue
		}
		proposal.Status = status

		closesAt, err := p.chain.ProposalDeadline(ctx, proposal.ID)
		if err != nil {
			return nil, err
		}
		proposal.ClosesAt = closesAt

		kept = append(kept, proposal)
	}
	proposals = kept

	// Pass 4: resolve display names now that the roster is known.
	members := p.members.Members(proposals, quorum)
	for _, proposal := range proposals {
		proposal.Author = p.members.Resolve(members, proposal.Author.Address)
		for _, item := range proposal.VoteItems {
			for addr, record := range item.UserVotes {
				record.Voter = p.members.Resolve(members, addr)
				item.UserVotes[addr] = record
			}
		}
	}

	model := &domain.Model{
		Proposals: proposals,
		Members:   members,
		Quorum:    quorum,
		BuiltAt:   p.clock.Now(),
		HeadBlock: head,
	}
	model.Activity = buildActivity(events, model)

	return model, nil
}

func (p *Projector) resolveStatus(ctx context.Context, proposal *domain.Proposal, cancelled map[string]bool) (domain.ProposalStatus, error) {
	state, err := p.chain.State(ctx, proposal.ID)
	if err != nil {
		// The cancel record is authoritative even when the state read is
		// unavailable for a non-transient reason.
		if !domain.IsRetryable(err) && cancelled[proposal.ID.String()] {
			return domain.StatusCancelled, nil
		}
		return "", err
	}
	return domain.StatusFromGovernorState(state)
}

func addVoterTitle(name string) string {
	return "Add " + name + " as a voter"
}

func addVoterDescription(name string, addr domain.Address) string {
	return "Grant voting rights to " + name + " (" + string(addr) + ")."
}
