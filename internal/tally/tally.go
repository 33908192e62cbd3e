// Package tally derives vote verdicts from projected vote items. It is pure:
// quorum comes from the caller (read off the governor's quorum formula) and
// no I/O happens here.
package tally

import (
	"github.com/openassembly/gov-portal/internal/domain"
)

// Counts holds per-option vote counts for one vote item.
type Counts struct {
	For     int `json:"for"`
	Against int `json:"against"`
	Abstain int `json:"abstain"`
}

// Total returns the total number of votes cast.
func (c Counts) Total() int {
	return c.For + c.Against + c.Abstain
}

// Count aggregates the per-voter records of a vote item.
func Count(item *domain.VoteItem) Counts {
	var c Counts
	for _, record := range item.UserVotes {
		switch record.Option {
		case domain.VoteFor:
			c.For++
		case domain.VoteAgainst:
			c.Against++
		case domain.VoteAbstain:
			c.Abstain++
		}
	}
	return c
}

// Verdict maps counts and a quorum onto a result. Below quorum the item is
// returned regardless of split; at or above quorum a strict for-majority
// passes and anything else, ties included, fails. An item nobody voted on
// is always returned, even under a zero quorum.
func Verdict(c Counts, quorum int) domain.VoteResult {
	if c.Total() == 0 || c.Total() < quorum {
		return domain.VoteReturned
	}
	if c.For > c.Against {
		return domain.VotePassed
	}
	return domain.VoteFailed
}

// Result is the one-call form used by the projector.
func Result(item *domain.VoteItem, quorum int) (Counts, domain.VoteResult) {
	c := Count(item)
	return c, Verdict(c, quorum)
}
