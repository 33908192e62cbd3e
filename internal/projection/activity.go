package projection

import (
	"crypto/rand"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/openassembly/gov-portal/internal/domain"
)

// buildActivity folds the raw events into per-address feeds, resolving
// proposal and item titles against the projected model. Events whose subject
// was skipped during projection are skipped here too, so the feed never
// references a proposal the portal does not show.
//
// Creations are attributed to the proposer, votes to the voter. Cancel
// records carry no actor on the ledger; they are attributed to the proposal
// author, the only address the governor lets cancel.
func buildActivity(events []domain.GovernorEvent, model *domain.Model) map[domain.Address][]domain.ActivityEntry {
	feeds := make(map[domain.Address][]domain.ActivityEntry)

	add := func(addr domain.Address, entry domain.ActivityEntry) {
		entry.ID = ulid.MustNew(ulid.Timestamp(entry.Timestamp), rand.Reader).String()
		feeds[addr] = append(feeds[addr], entry)
	}

	for _, event := range events {
		switch event.Kind {
		case domain.EventProposalCreated:
			proposal := model.ProposalByID(event.ProposalID)
			if proposal == nil {
				// Either a skipped record or a child item; children are not
				// standalone feed entries.
				continue
			}
			add(event.Proposer, domain.ActivityEntry{
				Kind:          domain.ActivityCreate,
				Timestamp:     event.Timestamp,
				ProposalID:    proposal.ID,
				ProposalTitle: proposal.Title,
			})

		case domain.EventProposalCanceled:
			proposal := model.ProposalByID(event.ProposalID)
			if proposal == nil {
				continue
			}
			add(proposal.Author.Address, domain.ActivityEntry{
				Kind:          domain.ActivityDelete,
				Timestamp:     event.Timestamp,
				ProposalID:    proposal.ID,
				ProposalTitle: proposal.Title,
			})

		case domain.EventVoteCast:
			proposal, item := model.VoteItemByID(event.ProposalID)
			if item == nil {
				continue
			}
			add(event.Voter, domain.ActivityEntry{
				Kind:          domain.ActivityVote,
				Timestamp:     event.Timestamp,
				ProposalID:    proposal.ID,
				ProposalTitle: proposal.Title,
				ItemTitle:     item.Title,
				Option:        event.Option,
			})
		}
	}

	for addr := range feeds {
		feed := feeds[addr]
		sort.SliceStable(feed, func(i, j int) bool {
			return feed[i].Timestamp.After(feed[j].Timestamp)
		})
	}

	return feeds
}
