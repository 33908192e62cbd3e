// Package writer guards and submits all ledger mutations. Every operation
// pre-flights local policy against the projected model before anything is
// signed, so doomed submissions never reach the ledger.
package writer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/codec"
	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/logger"
	"github.com/openassembly/gov-portal/internal/providers/governor"
	"github.com/openassembly/gov-portal/internal/tally"
)

// grantAmount is the token quantity a member-addition transfers. The
// membership token is indivisible, one token is one vote.
var grantAmount = big.NewInt(1)

// thresholdRevertReason is the governor's revert message when the proposer
// lacks weight; it is the one policy failure only the ledger can decide.
const thresholdRevertReason = "proposer votes below proposal threshold"

// ModelSource yields the latest projected model for pre-flight checks.
type ModelSource interface {
	Model() *domain.Model
}

// DraftItem is one vote item of a proposal draft. Exactly one of the plain
// fields or NewVoter is used.
type DraftItem struct {
	Title       string
	Description string

	// NewVoterAddress marks the item as a member addition.
	NewVoterAddress string
	NewVoterName    string
}

// IsAddVoter reports whether the draft item is a member addition.
func (d DraftItem) IsAddVoter() bool { return d.NewVoterAddress != "" }

// Draft is a complete proposal as submitted by an author.
type Draft struct {
	Title       string
	Description string
	FileDigest  string
	Items       []DraftItem
}

// Writer submits guarded mutations through the governor.
type Writer struct {
	gov    governor.Client
	codec  codec.Codec
	models ModelSource
}

// New creates a writer.
func New(gov governor.Client, c codec.Codec, models ModelSource) *Writer {
	return &Writer{gov: gov, codec: c, models: models}
}

// noopAction is the single action attached to proposals and plain vote items.
// It carries no effect; the record exists for its payload.
func (w *Writer) noopAction() governor.Action {
	return governor.Action{
		Target: w.gov.GovernorAddress(),
		Value:  big.NewInt(0),
	}
}

func (w *Writer) addVoterAction(addr domain.Address) (governor.Action, error) {
	calldata, err := w.gov.PackTransfer(addr, grantAmount)
	if err != nil {
		return governor.Action{}, err
	}
	return governor.Action{
		Target:   w.gov.TokenAddress(),
		Value:    big.NewInt(0),
		Calldata: calldata,
	}, nil
}

// proposalAlreadyPresent reports whether a structurally identical proposal is
// already projected: same submitted title and description and the same
// ordered item list. Every projected proposal counts, cancelled ones
// included.
func proposalAlreadyPresent(model *domain.Model, draft Draft) bool {
	if model == nil {
		return false
	}
	for _, p := range model.Proposals {
		if p.SubmittedTitle == draft.Title && p.SubmittedDescription == draft.Description && sameItemList(p.VoteItems, draft.Items) {
			return true
		}
	}
	return false
}

// sameItemList compares a projected item list against a draft's, in order.
// Member additions match on target address; plain items on title and
// description.
func sameItemList(items []*domain.VoteItem, drafted []DraftItem) bool {
	if len(items) != len(drafted) {
		return false
	}
	for i, item := range items {
		d := drafted[i]
		if item.IsAddVoter() != d.IsAddVoter() {
			return false
		}
		if item.IsAddVoter() {
			if item.NewVoter.Address != domain.NormalizeAddress(d.NewVoterAddress) {
				return false
			}
			continue
		}
		if item.Title != d.Title || item.Description != d.Description {
			return false
		}
	}
	return true
}

// CreateProposal submits a draft as a parent record plus one child record per
// item and returns the parent's ledger id. Children carry the parent id and
// their index inside their payloads, so the projection reassembles them
// regardless of log interleaving.
func (w *Writer) CreateProposal(ctx context.Context, draft Draft) (*big.Int, error) {
	if proposalAlreadyPresent(w.models.Model(), draft) {
		return nil, fmt.Errorf("%w: %q", domain.ErrDuplicateProposal, draft.Title)
	}

	blob, err := w.codec.Encode(codec.ProposalPayload{
		Title:       draft.Title,
		Description: draft.Description,
		FileDigest:  draft.FileDigest,
	})
	if err != nil {
		return nil, err
	}

	parentID, err := w.gov.Propose(ctx, []governor.Action{w.noopAction()}, blob)
	if err != nil {
		return nil, translateProposeError(err)
	}

	logger.InfoCtx(ctx, "Proposal submitted",
		zap.String("proposalId", parentID.String()),
		zap.String("title", draft.Title),
		zap.Int("items", len(draft.Items)))

	// Children are submitted one at a time: a single signer cannot hold
	// concurrent nonces without racing itself.
	for index, item := range draft.Items {
		if err := w.submitItem(ctx, parentID, index, item); err != nil {
			return nil, fmt.Errorf("failed to submit vote item %d: %w", index, err)
		}
	}

	return parentID, nil
}

func (w *Writer) submitItem(ctx context.Context, parentID *big.Int, index int, item DraftItem) error {
	var payload codec.Payload
	actions := []governor.Action{w.noopAction()}

	if item.IsAddVoter() {
		addr := domain.NormalizeAddress(item.NewVoterAddress)
		payload = codec.AddVoterVoteItemPayload{
			ParentID:        parentID.String(),
			Index:           index,
			NewVoterAddress: string(addr),
			NewVoterName:    item.NewVoterName,
		}
		action, err := w.addVoterAction(addr)
		if err != nil {
			return err
		}
		actions = []governor.Action{action}
	} else {
		payload = codec.VoteItemPayload{
			ParentID:    parentID.String(),
			Index:       index,
			Title:       item.Title,
			Description: item.Description,
		}
	}

	blob, err := w.codec.Encode(payload)
	if err != nil {
		return err
	}

	_, err = w.gov.Propose(ctx, actions, blob)
	return translateProposeError(err)
}

func translateProposeError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), thresholdRevertReason) {
		return fmt.Errorf("%w: %v", domain.ErrIneligibleProposer, err)
	}
	return err
}

// CastVote submits the signer's vote on a vote item. A voter without token
// balance is rejected locally instead of burning gas on a doomed cast.
func (w *Writer) CastVote(ctx context.Context, itemID *big.Int, option domain.VoteOption) error {
	support, ok := option.SupportCode()
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownSupportCode, option)
	}

	balance, err := w.gov.BalanceOf(ctx, w.gov.SignerAddress())
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("%w: %s holds no membership token", domain.ErrIneligibleVoter, w.gov.SignerAddress())
	}

	return w.gov.CastVote(ctx, itemID, support)
}

// CancelProposal cancels a projected proposal. The ledger authorizes the
// cancel by content hash, so the original payload is re-derived from the
// submitted fields, not the display ones, which may be synthesized; canonical
// encoding makes the bytes reproducible.
func (w *Writer) CancelProposal(ctx context.Context, proposalID *big.Int) error {
	model := w.models.Model()
	if model == nil {
		return domain.ErrProposalNotFound
	}
	proposal := model.ProposalByID(proposalID)
	if proposal == nil {
		return fmt.Errorf("%w: %s", domain.ErrProposalNotFound, proposalID)
	}

	blob, err := w.codec.Encode(codec.ProposalPayload{
		Title:       proposal.SubmittedTitle,
		Description: proposal.SubmittedDescription,
		FileDigest:  proposal.FileDigest,
	})
	if err != nil {
		return err
	}

	return w.gov.Cancel(ctx, []governor.Action{w.noopAction()}, crypto.Keccak256Hash([]byte(blob)))
}

// AcceptVotingRights completes a granted membership for the signer. The two
// steps are independently idempotent: a crash between them leaves a state
// from which a retry converges.
func (w *Writer) AcceptVotingRights(ctx context.Context) error {
	signer := w.gov.SignerAddress()

	balance, err := w.gov.BalanceOf(ctx, signer)
	if err != nil {
		return err
	}

	if balance.Sign() == 0 {
		// Step 1: execute the passed grant so the token actually moves.
		proposal, item := w.pendingGrantFor(signer)
		if item == nil {
			return fmt.Errorf("%w: no pending grant for %s", domain.ErrNotExecutable, signer)
		}
		if err := w.executeAddVoter(ctx, proposal, item); err != nil {
			return err
		}
	}

	votes, err := w.gov.GetVotes(ctx, signer)
	if err != nil {
		return err
	}
	if votes.Sign() > 0 {
		return nil
	}

	// Step 2: self-delegate to turn the balance into voting weight.
	return w.gov.Delegate(ctx, signer)
}

// pendingGrantFor finds the passed, unexecuted member-addition item naming
// the address, if any.
func (w *Writer) pendingGrantFor(addr domain.Address) (*domain.Proposal, *domain.VoteItem) {
	model := w.models.Model()
	if model == nil {
		return nil, nil
	}
	for _, proposal := range model.Proposals {
		if proposal.Status != domain.StatusClosed {
			continue
		}
		for _, item := range proposal.VoteItems {
			if !item.IsAddVoter() || item.Executed || item.NewVoter.Address != addr {
				continue
			}
			if _, result := tally.Result(item, model.Quorum); result == domain.VotePassed {
				return proposal, item
			}
		}
	}
	return nil, nil
}

// ExecuteVoteItem applies the on-ledger effect of a passed member-addition
// item. Plain items carry no effect and are rejected.
func (w *Writer) ExecuteVoteItem(ctx context.Context, itemID *big.Int) error {
	model := w.models.Model()
	if model == nil {
		return domain.ErrProposalNotFound
	}
	proposal, item := model.VoteItemByID(itemID)
	if item == nil {
		return fmt.Errorf("%w: %s", domain.ErrProposalNotFound, itemID)
	}
	if !item.IsAddVoter() {
		return fmt.Errorf("%w: %s", domain.ErrNotExecutable, itemID)
	}
	if item.Executed {
		return nil
	}

	return w.executeAddVoter(ctx, proposal, item)
}

func (w *Writer) executeAddVoter(ctx context.Context, proposal *domain.Proposal, item *domain.VoteItem) error {
	blob, err := w.codec.Encode(codec.AddVoterVoteItemPayload{
		ParentID:        proposal.ID.String(),
		Index:           item.Index,
		NewVoterAddress: string(item.NewVoter.Address),
		NewVoterName:    item.NewVoter.Name,
	})
	if err != nil {
		return domain.NewExecuteFailedError(item.ID.String(), err)
	}

	action, err := w.addVoterAction(item.NewVoter.Address)
	if err != nil {
		return domain.NewExecuteFailedError(item.ID.String(), err)
	}

	if err := w.gov.Execute(ctx, []governor.Action{action}, crypto.Keccak256Hash([]byte(blob))); err != nil {
		return domain.NewExecuteFailedError(item.ID.String(), err)
	}

	logger.InfoCtx(ctx, "Member addition executed",
		zap.String("itemId", item.ID.String()),
		zap.String("newVoter", string(item.NewVoter.Address)))
	return nil
}
