package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a checksummed ledger account identifier.
type Address string

// NormalizeAddress converts any hex representation to the checksummed form
// used as map key throughout the projection.
func NormalizeAddress(s string) Address {
	return Address(common.HexToAddress(s).Hex())
}

// User pairs an address with its display name resolved through membership.
// An address with no resolvable name renders as "unknown" but is still a
// valid voting key.
type User struct {
	Address Address `json:"address"`
	Name    string  `json:"name"`
}

const UnknownUserName = "unknown"

// VoteOption is a decoded vote support value.
type VoteOption string

const (
	VoteAgainst VoteOption = "against"
	VoteFor     VoteOption = "for"
	VoteAbstain VoteOption = "abstain"
)

// VoteOptionFromSupport maps the governor's numeric support code onto a vote
// option. Any code outside the fixed table is a parse error.
func VoteOptionFromSupport(support uint8) (VoteOption, bool) {
	switch support {
	case 0:
		return VoteAgainst, true
	case 1:
		return VoteFor, true
	case 2:
		return VoteAbstain, true
	default:
		return "", false
	}
}

// SupportCode is the inverse of VoteOptionFromSupport.
func (o VoteOption) SupportCode() (uint8, bool) {
	switch o {
	case VoteAgainst:
		return 0, true
	case VoteFor:
		return 1, true
	case VoteAbstain:
		return 2, true
	default:
		return 0, false
	}
}

// VoteRecord is a single cast vote. At most one record exists per address per
// vote item; a later cast for the same pair overwrites the earlier one.
type VoteRecord struct {
	Option    VoteOption `json:"option"`
	Timestamp time.Time  `json:"timestamp"`
	Voter     User       `json:"voter"`
}

// VoteResult is the derived verdict of a vote item. It is never stored.
type VoteResult string

const (
	VotePassed   VoteResult = "passed"
	VoteFailed   VoteResult = "failed"
	VoteReturned VoteResult = "returned"
)

// ProposalStatus is the portal-level lifecycle state derived from the
// governor's native state enumeration.
type ProposalStatus string

const (
	StatusOpen      ProposalStatus = "open"
	StatusClosed    ProposalStatus = "closed"
	StatusCancelled ProposalStatus = "cancelled"
)

// GovernorState is the native OpenZeppelin Governor proposal state.
type GovernorState uint8

const (
	GovernorPending GovernorState = iota
	GovernorActive
	GovernorCanceled
	GovernorDefeated
	GovernorSucceeded
	GovernorQueued
	GovernorExpired
	GovernorExecuted
)

// StatusFromGovernorState collapses the eight native states onto the three
// exposed ones. The mapping is total; an unknown native state is rejected
// rather than defaulted.
func StatusFromGovernorState(state GovernorState) (ProposalStatus, error) {
	switch state {
	case GovernorPending, GovernorActive:
		return StatusOpen, nil
	case GovernorCanceled:
		return StatusCancelled, nil
	case GovernorDefeated, GovernorSucceeded, GovernorQueued, GovernorExpired, GovernorExecuted:
		return StatusClosed, nil
	default:
		return "", NewProposalParseError("", ErrUnknownGovernorState)
	}
}

// VoteItem is an individually votable sub-question of a proposal. Each item
// is registered on the governor under its own ledger id; the Index field,
// recorded at creation, fixes the author-intended display order.
type VoteItem struct {
	ID          *big.Int               `json:"id"`
	Index       int                    `json:"index"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	UserVotes   map[Address]VoteRecord `json:"userVotes"`

	// NewVoter is set only for member-addition items whose passing effect
	// grants voting rights to the named address.
	NewVoter *User `json:"newVoter,omitempty"`

	// Executed reports whether the item's on-ledger effect has been applied.
	Executed bool `json:"executed"`
}

// IsAddVoter reports whether the item is a member-addition item.
func (v *VoteItem) IsAddVoter() bool {
	return v.NewVoter != nil
}

// Proposal is a top-level governance item owning an ordered list of vote
// items. Proposals are immutable once emitted; only new vote records and
// status reclassifications accrue over time.
type Proposal struct {
	ID          *big.Int       `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`

	// SubmittedTitle and SubmittedDescription hold the payload text exactly
	// as the author encoded it on the ledger. Title and Description above are
	// the display form and are synthesized for member-addition proposals;
	// cancellation re-derives the content hash from the submitted text.
	SubmittedTitle       string `json:"-"`
	SubmittedDescription string `json:"-"`

	Author      User           `json:"author"`
	CreatedAt   time.Time      `json:"createdAt"`
	ClosesAt    time.Time      `json:"closesAt"`
	Status      ProposalStatus `json:"status"`
	FileDigest  string         `json:"fileDigest,omitempty"`
	VoteItems   []*VoteItem    `json:"voteItems"`
}

// Model is a full projection of the ledger's governance state. It owns no
// state that is not derivable from the event log, so it can always be
// discarded and recomputed.
type Model struct {
	Proposals []*Proposal      `json:"proposals"`
	Members   map[Address]User `json:"members"`
	Quorum    int              `json:"quorum"`
	BuiltAt   time.Time        `json:"builtAt"`
	HeadBlock uint64           `json:"headBlock"`

	// Activity is the per-address action feed, newest first.
	Activity map[Address][]ActivityEntry `json:"-"`
}

// ProposalByID returns the proposal carrying the given ledger id, or nil.
func (m *Model) ProposalByID(id *big.Int) *Proposal {
	for _, p := range m.Proposals {
		if p.ID.Cmp(id) == 0 {
			return p
		}
	}
	return nil
}

// VoteItemByID returns the vote item carrying the given ledger id together
// with its parent proposal, or (nil, nil).
func (m *Model) VoteItemByID(id *big.Int) (*Proposal, *VoteItem) {
	for _, p := range m.Proposals {
		for _, item := range p.VoteItems {
			if item.ID.Cmp(id) == 0 {
				return p, item
			}
		}
	}
	return nil, nil
}

// MembershipState classifies an address's current eligibility.
type MembershipState string

const (
	// NotEligible holds neither voting weight nor a pending grant.
	NotEligible MembershipState = "not_eligible"
	// CanAcceptVotingRights has zero weight but either an unassigned token
	// balance awaiting self-delegation or a passed, unexecuted member
	// addition naming the address.
	CanAcceptVotingRights MembershipState = "can_accept_voting_rights"
	// Eligible has positive current voting weight.
	Eligible MembershipState = "eligible"
)

// EventKind discriminates raw governor log records.
type EventKind string

const (
	EventProposalCreated  EventKind = "proposal_created"
	EventVoteCast         EventKind = "vote_cast"
	EventProposalCanceled EventKind = "proposal_canceled"
	EventProposalExecuted EventKind = "proposal_executed"
)

// GovernorEvent is a parsed governor log record in ledger order
// (block number, then log index within the block).
type GovernorEvent struct {
	Kind        EventKind
	ProposalID  *big.Int
	Proposer    Address    // proposal_created only
	Voter       Address    // vote_cast only
	Option      VoteOption // vote_cast only
	Description string     // proposal_created only: raw payload blob
	StartTime   time.Time  // proposal_created only: voting start
	BlockNumber uint64
	LogIndex    uint
	TxHash      string
	Timestamp   time.Time
}

// ActivityKind tags entries of the per-user activity feed.
type ActivityKind string

const (
	ActivityCreate ActivityKind = "create"
	ActivityDelete ActivityKind = "delete"
	ActivityVote   ActivityKind = "vote"
)

// ActivityEntry is one row of a user's chronological activity feed. IDs are
// ULIDs so entries sort by time without an extra key.
type ActivityEntry struct {
	ID            string       `json:"id"`
	Kind          ActivityKind `json:"kind"`
	Timestamp     time.Time    `json:"timestamp"`
	ProposalID    *big.Int     `json:"proposalId"`
	ProposalTitle string       `json:"proposalTitle"`
	ItemTitle     string       `json:"itemTitle,omitempty"`
	Option        VoteOption   `json:"option,omitempty"`
}
