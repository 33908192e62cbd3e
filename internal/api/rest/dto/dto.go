// Package dto defines the REST wire types and their mapping from the
// projected model. Ledger ids travel as decimal strings; uint256 does not
// survive JSON numbers.
package dto

import (
	"time"

	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/tally"
)

// UserDTO is a display user.
type UserDTO struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// VoteRecordDTO is one cast vote on an item.
type VoteRecordDTO struct {
	Voter     UserDTO   `json:"voter"`
	Option    string    `json:"option"`
	Timestamp time.Time `json:"timestamp"`
}

// CountsDTO carries per-option vote counts.
type CountsDTO struct {
	For     int `json:"for"`
	Against int `json:"against"`
	Abstain int `json:"abstain"`
	Total   int `json:"total"`
}

// VoteItemDTO is one votable sub-question of a proposal.
type VoteItemDTO struct {
	ID          string          `json:"id"`
	Index       int             `json:"index"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Counts      CountsDTO       `json:"counts"`
	Result      string          `json:"result,omitempty"`
	NewVoter    *UserDTO        `json:"newVoter,omitempty"`
	Executed    bool            `json:"executed"`
	Votes       []VoteRecordDTO `json:"votes"`
}

// ProposalDTO is a full proposal.
type ProposalDTO struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Author      UserDTO       `json:"author"`
	Status      string        `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	ClosesAt    time.Time     `json:"closesAt"`
	FileDigest  string        `json:"fileDigest,omitempty"`
	VoteItems   []VoteItemDTO `json:"voteItems"`
}

// MemberDTO is one roster entry.
type MemberDTO struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// MembershipStateDTO reports an address's eligibility.
type MembershipStateDTO struct {
	Address string `json:"address"`
	State   string `json:"state"`
}

// ActivityEntryDTO is one row of a user's activity feed.
type ActivityEntryDTO struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
	ProposalID    string    `json:"proposalId"`
	ProposalTitle string    `json:"proposalTitle"`
	ItemTitle     string    `json:"itemTitle,omitempty"`
	Option        string    `json:"option,omitempty"`
}

// HealthDTO is the health check response.
type HealthDTO struct {
	Status    string    `json:"status"`
	HeadBlock uint64    `json:"headBlock"`
	BuiltAt   time.Time `json:"builtAt"`
}

// CreateProposalRequest is the payload for submitting a proposal.
type CreateProposalRequest struct {
	Title       string                   `json:"title" binding:"required"`
	Description string                   `json:"description" binding:"required"`
	FileDigest  string                   `json:"fileDigest"`
	Items       []CreateProposalItemSpec `json:"items"`
}

// CreateProposalItemSpec is one vote item of a proposal submission.
type CreateProposalItemSpec struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	NewVoterAddress string `json:"newVoterAddress"`
	NewVoterName    string `json:"newVoterName"`
}

// CastVoteRequest is the payload for casting a vote.
type CastVoteRequest struct {
	ItemID string `json:"itemId" binding:"required"`
	Option string `json:"option" binding:"required"`
}

// CreatedResponse returns the ledger id of a newly submitted record.
type CreatedResponse struct {
	ID string `json:"id"`
}

// UploadResponse returns the digest of a pinned file.
type UploadResponse struct {
	Digest string `json:"digest"`
}

// FromUser maps a domain user.
func FromUser(u domain.User) UserDTO {
	return UserDTO{Address: string(u.Address), Name: u.Name}
}

// FromVoteItem maps a vote item, deriving its counts and, for closed
// proposals, its verdict.
func FromVoteItem(item *domain.VoteItem, quorum int, closed bool) VoteItemDTO {
	counts := tally.Count(item)

	dto := VoteItemDTO{
		ID:          item.ID.String(),
		Index:       item.Index,
		Title:       item.Title,
		Description: item.Description,
		Counts: CountsDTO{
			For:     counts.For,
			Against: counts.Against,
			Abstain: counts.Abstain,
			Total:   counts.Total(),
		},
		Executed: item.Executed,
		Votes:    make([]VoteRecordDTO, 0, len(item.UserVotes)),
	}

	if closed {
		dto.Result = string(tally.Verdict(counts, quorum))
	}

	if item.NewVoter != nil {
		voter := FromUser(*item.NewVoter)
		dto.NewVoter = &voter
	}

	for _, record := range item.UserVotes {
		dto.Votes = append(dto.Votes, VoteRecordDTO{
			Voter:     FromUser(record.Voter),
			Option:    string(record.Option),
			Timestamp: record.Timestamp,
		})
	}

	return dto
}

// FromProposal maps a proposal with all of its items.
func FromProposal(p *domain.Proposal, quorum int) ProposalDTO {
	closed := p.Status == domain.StatusClosed

	dto := ProposalDTO{
		ID:          p.ID.String(),
		Title:       p.Title,
		Description: p.Description,
		Author:      FromUser(p.Author),
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt,
		ClosesAt:    p.ClosesAt,
		FileDigest:  p.FileDigest,
		VoteItems:   make([]VoteItemDTO, 0, len(p.VoteItems)),
	}

	for _, item := range p.VoteItems {
		dto.VoteItems = append(dto.VoteItems, FromVoteItem(item, quorum, closed))
	}

	return dto
}

// FromActivity maps a feed entry.
func FromActivity(e domain.ActivityEntry) ActivityEntryDTO {
	return ActivityEntryDTO{
		ID:            e.ID,
		Kind:          string(e.Kind),
		Timestamp:     e.Timestamp,
		ProposalID:    e.ProposalID.String(),
		ProposalTitle: e.ProposalTitle,
		ItemTitle:     e.ItemTitle,
		Option:        string(e.Option),
	}
}
