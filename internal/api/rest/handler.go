package rest

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"sort"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/api/rest/dto"
	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/files"
	"github.com/openassembly/gov-portal/internal/logger"
	"github.com/openassembly/gov-portal/internal/writer"
)

// maxUploadSize bounds proposal attachments.
const maxUploadSize = 25 << 20

// Projection serves the cached model and rebuilds it on demand.
type Projection interface {
	Model() *domain.Model
	Refresh(ctx context.Context) error
}

// Mutator submits guarded ledger mutations.
type Mutator interface {
	CreateProposal(ctx context.Context, draft writer.Draft) (*big.Int, error)
	CastVote(ctx context.Context, itemID *big.Int, option domain.VoteOption) error
	CancelProposal(ctx context.Context, proposalID *big.Int) error
	AcceptVotingRights(ctx context.Context) error
	ExecuteVoteItem(ctx context.Context, itemID *big.Int) error
}

// Classifier decides membership eligibility.
type Classifier interface {
	Classify(ctx context.Context, proposals []*domain.Proposal, quorum int, addr domain.Address) (domain.MembershipState, error)
}

// Handler defines the REST API handlers.
//
//go:generate mockgen -source=handler.go -destination=../../mocks/api_handler.go -package=mocks -mock_names=Handler=MockAPIHandler
type Handler interface {
	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)

	// ListProposals lists projected proposals, optionally filtered by status
	// GET /api/v1/proposals?status=<open|closed|cancelled>
	ListProposals(c *gin.Context)

	// GetProposal retrieves one proposal by ledger id
	// GET /api/v1/proposals/:id
	GetProposal(c *gin.Context)

	// ListMembers lists the current voter roster
	// GET /api/v1/members
	ListMembers(c *gin.Context)

	// GetMembershipState classifies an address's eligibility
	// GET /api/v1/members/:address/state
	GetMembershipState(c *gin.Context)

	// GetActivity returns an address's activity feed
	// GET /api/v1/accounts/:address/activity
	GetActivity(c *gin.Context)

	// CreateProposal submits a new proposal (requires authentication)
	// POST /api/v1/proposals
	CreateProposal(c *gin.Context)

	// CancelProposal cancels a proposal (requires authentication)
	// POST /api/v1/proposals/:id/cancel
	CancelProposal(c *gin.Context)

	// CastVote casts the signer's vote on a vote item (requires authentication)
	// POST /api/v1/votes
	CastVote(c *gin.Context)

	// ExecuteVoteItem applies a passed member addition (requires API key)
	// POST /api/v1/vote-items/:id/execute
	ExecuteVoteItem(c *gin.Context)

	// AcceptVotingRights completes a granted membership (requires authentication)
	// POST /api/v1/voting-rights/accept
	AcceptVotingRights(c *gin.Context)

	// UploadFile pins a proposal attachment (requires authentication)
	// POST /api/v1/files
	UploadFile(c *gin.Context)

	// GetFile fetches an attachment by digest
	// GET /api/v1/files/:digest
	GetFile(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	service    Projection
	writer     Mutator
	classifier Classifier
	files      files.Client
}

// NewHandler creates a REST handler over the projection and the writer.
func NewHandler(service Projection, w Mutator, classifier Classifier, filesClient files.Client) Handler {
	return &handler{
		service:    service,
		writer:     w,
		classifier: classifier,
		files:      filesClient,
	}
}

// model returns the cached projection, responding 503 when it is not built yet.
func (h *handler) model(c *gin.Context) *domain.Model {
	model := h.service.Model()
	if model == nil {
		respondWithError(c, http.StatusServiceUnavailable, errCodeUpstreamError, "Projection not ready yet")
		return nil
	}
	return model
}

// refreshAsync rebuilds the projection after a successful mutation so the
// next read reflects it without waiting for the watcher's notice.
func (h *handler) refreshAsync() {
	go func() {
		if err := h.service.Refresh(context.Background()); err != nil {
			logger.Error(err, zap.String("stage", "post-mutation refresh"))
		}
	}()
}

func parseLedgerID(c *gin.Context, raw string) (*big.Int, bool) {
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok || id.Sign() < 0 {
		respondBadRequest(c, "Invalid ledger id", raw)
		return nil, false
	}
	return id, true
}

func (h *handler) HealthCheck(c *gin.Context) {
	model := h.service.Model()
	if model == nil {
		c.JSON(http.StatusServiceUnavailable, dto.HealthDTO{Status: "starting"})
		return
	}
	c.JSON(http.StatusOK, dto.HealthDTO{
		Status:    "ok",
		HeadBlock: model.HeadBlock,
		BuiltAt:   model.BuiltAt,
	})
}

func (h *handler) ListProposals(c *gin.Context) {
	model := h.model(c)
	if model == nil {
		return
	}

	status := c.Query("status")
	switch status {
	case "", string(domain.StatusOpen), string(domain.StatusClosed), string(domain.StatusCancelled):
	default:
		respondValidationError(c, "status must be one of open, closed, cancelled")
		return
	}

	proposals := make([]dto.ProposalDTO, 0, len(model.Proposals))
	for _, p := range model.Proposals {
		if status != "" && string(p.Status) != status {
			continue
		}
		proposals = append(proposals, dto.FromProposal(p, model.Quorum))
	}

	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "quorum": model.Quorum})
}

func (h *handler) GetProposal(c *gin.Context) {
	model := h.model(c)
	if model == nil {
		return
	}

	id, ok := parseLedgerID(c, c.Param("id"))
	if !ok {
		return
	}

	proposal := model.ProposalByID(id)
	if proposal == nil {
		respondNotFound(c, "Proposal not found", id.String())
		return
	}

	c.JSON(http.StatusOK, dto.FromProposal(proposal, model.Quorum))
}

func (h *handler) ListMembers(c *gin.Context) {
	model := h.model(c)
	if model == nil {
		return
	}

	members := make([]dto.MemberDTO, 0, len(model.Members))
	for _, member := range model.Members {
		members = append(members, dto.MemberDTO{Address: string(member.Address), Name: member.Name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Address < members[j].Address })

	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *handler) GetMembershipState(c *gin.Context) {
	model := h.model(c)
	if model == nil {
		return
	}

	addr := domain.NormalizeAddress(c.Param("address"))
	state, err := h.classifier.Classify(c.Request.Context(), model.Proposals, model.Quorum, addr)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.MembershipStateDTO{Address: string(addr), State: string(state)})
}

func (h *handler) GetActivity(c *gin.Context) {
	model := h.model(c)
	if model == nil {
		return
	}

	addr := domain.NormalizeAddress(c.Param("address"))
	feed := model.Activity[addr]

	entries := make([]dto.ActivityEntryDTO, 0, len(feed))
	for _, entry := range feed {
		entries = append(entries, dto.FromActivity(entry))
	}

	c.JSON(http.StatusOK, gin.H{"activity": entries})
}

func (h *handler) CreateProposal(c *gin.Context) {
	var req dto.CreateProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	draft := writer.Draft{
		Title:       req.Title,
		Description: req.Description,
		FileDigest:  req.FileDigest,
	}
	for _, item := range req.Items {
		if item.NewVoterAddress == "" && item.Title == "" {
			respondValidationError(c, "each item needs a title or a new voter address")
			return
		}
		draft.Items = append(draft.Items, writer.DraftItem{
			Title:           item.Title,
			Description:     item.Description,
			NewVoterAddress: item.NewVoterAddress,
			NewVoterName:    item.NewVoterName,
		})
	}

	id, err := h.writer.CreateProposal(c.Request.Context(), draft)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	h.refreshAsync()
	c.JSON(http.StatusCreated, dto.CreatedResponse{ID: id.String()})
}

func (h *handler) CancelProposal(c *gin.Context) {
	id, ok := parseLedgerID(c, c.Param("id"))
	if !ok {
		return
	}

	if err := h.writer.CancelProposal(c.Request.Context(), id); err != nil {
		respondDomainError(c, err)
		return
	}

	h.refreshAsync()
	c.Status(http.StatusNoContent)
}

func (h *handler) CastVote(c *gin.Context) {
	var req dto.CastVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	itemID, ok := parseLedgerID(c, req.ItemID)
	if !ok {
		return
	}

	option := domain.VoteOption(req.Option)
	if _, ok := option.SupportCode(); !ok {
		respondValidationError(c, "option must be one of for, against, abstain")
		return
	}

	if err := h.writer.CastVote(c.Request.Context(), itemID, option); err != nil {
		respondDomainError(c, err)
		return
	}

	h.refreshAsync()
	c.Status(http.StatusNoContent)
}

func (h *handler) ExecuteVoteItem(c *gin.Context) {
	id, ok := parseLedgerID(c, c.Param("id"))
	if !ok {
		return
	}

	if err := h.writer.ExecuteVoteItem(c.Request.Context(), id); err != nil {
		respondDomainError(c, err)
		return
	}

	h.refreshAsync()
	c.Status(http.StatusNoContent)
}

func (h *handler) AcceptVotingRights(c *gin.Context) {
	if err := h.writer.AcceptVotingRights(c.Request.Context()); err != nil {
		respondDomainError(c, err)
		return
	}

	h.refreshAsync()
	c.Status(http.StatusNoContent)
}

func (h *handler) UploadFile(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondValidationError(c, "multipart field 'file' is required")
		return
	}
	if fileHeader.Size > maxUploadSize {
		respondBadRequest(c, "File too large")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respondInternalError(c, err, "Failed to read upload")
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		respondInternalError(c, err, "Failed to read upload")
		return
	}

	digest, err := h.files.Upload(c.Request.Context(), fileHeader.Filename, content)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.UploadResponse{Digest: digest})
}

func (h *handler) GetFile(c *gin.Context) {
	digest := c.Param("digest")
	if digest == "" {
		respondBadRequest(c, "File digest is required")
		return
	}

	content, err := h.files.Fetch(c.Request.Context(), digest)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.Data(http.StatusOK, mimetype.Detect(content).String(), content)
}
