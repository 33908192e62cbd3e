// Package membership derives the voter roster and per-address eligibility.
// The roster is a pure fold over the projected proposals plus a configured
// seed; eligibility additionally reads live token weight off the ledger.
package membership

import (
	"context"
	"math/big"

	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/tally"
)

// Projector folds seed members and passed member-addition items into the
// address to user roster.
type Projector struct {
	seed map[domain.Address]domain.User
}

// NewProjector creates a projector over the configured seed roster. Seed keys
// are normalized so lookups never miss on casing.
func NewProjector(seed map[string]string) *Projector {
	normalized := make(map[domain.Address]domain.User, len(seed))
	for addr, name := range seed {
		key := domain.NormalizeAddress(addr)
		normalized[key] = domain.User{Address: key, Name: name}
	}
	return &Projector{seed: normalized}
}

// Members returns the full roster: the seed plus every address granted by a
// passed member-addition item of a closed proposal. Proposals arrive in
// ledger order and items in recorded index order, so when two grants name the
// same address the later one wins.
func (p *Projector) Members(proposals []*domain.Proposal, quorum int) map[domain.Address]domain.User {
	members := make(map[domain.Address]domain.User, len(p.seed))
	for addr, user := range p.seed {
		members[addr] = user
	}

	for _, proposal := range proposals {
		if proposal.Status != domain.StatusClosed {
			continue
		}
		for _, item := range proposal.VoteItems {
			if !item.IsAddVoter() {
				continue
			}
			if _, result := tally.Result(item, quorum); result != domain.VotePassed {
				continue
			}
			addr := item.NewVoter.Address
			members[addr] = domain.User{Address: addr, Name: item.NewVoter.Name}
		}
	}

	return members
}

// Resolve returns the roster user for an address, or an "unknown" user when
// the address never entered the roster. Unknown addresses are still valid
// voting keys; only their display name is missing.
func (p *Projector) Resolve(members map[domain.Address]domain.User, addr domain.Address) domain.User {
	if user, ok := members[addr]; ok {
		return user
	}
	return domain.User{Address: addr, Name: domain.UnknownUserName}
}

// PendingGrant reports whether a passed but not yet executed member-addition
// item names the address. Such an address can claim voting rights without any
// further vote.
func (p *Projector) PendingGrant(proposals []*domain.Proposal, quorum int, addr domain.Address) bool {
	for _, proposal := range proposals {
		if proposal.Status != domain.StatusClosed {
			continue
		}
		for _, item := range proposal.VoteItems {
			if !item.IsAddVoter() || item.Executed {
				continue
			}
			if item.NewVoter.Address != addr {
				continue
			}
			if _, result := tally.Result(item, quorum); result == domain.VotePassed {
				return true
			}
		}
	}
	return false
}

// WeightReader reads live token weight off the ledger.
type WeightReader interface {
	BalanceOf(ctx context.Context, addr domain.Address) (*big.Int, error)
	GetVotes(ctx context.Context, addr domain.Address) (*big.Int, error)
}

// Classifier decides the eligibility state of a single address.
type Classifier struct {
	weights   WeightReader
	projector *Projector
}

// NewClassifier creates a classifier over the given weight reader.
func NewClassifier(weights WeightReader, projector *Projector) *Classifier {
	return &Classifier{weights: weights, projector: projector}
}

// Classify returns the address's current eligibility. Positive delegated
// weight is eligible outright. Zero weight with either an undelegated token
// balance or a pending passed grant can still accept voting rights. Anything
// else is not eligible.
func (c *Classifier) Classify(ctx context.Context, proposals []*domain.Proposal, quorum int, addr domain.Address) (domain.MembershipState, error) {
	votes, err := c.weights.GetVotes(ctx, addr)
	if err != nil {
		return "", err
	}
	if votes.Sign() > 0 {
		return domain.Eligible, nil
	}

	balance, err := c.weights.BalanceOf(ctx, addr)
	if err != nil {
		return "", err
	}
	if balance.Sign() > 0 {
		return domain.CanAcceptVotingRights, nil
	}

	if c.projector.PendingGrant(proposals, quorum, addr) {
		return domain.CanAcceptVotingRights, nil
	}

	return domain.NotEligible, nil
}
