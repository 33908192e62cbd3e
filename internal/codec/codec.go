package codec

import (
	"fmt"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/domain"
)

// Kind is the mandatory discriminant tag stored inside every creation blob.
// New variants are added additively; a tag is never repurposed.
type Kind string

const (
	KindProposal         Kind = "proposal"
	KindVoteItem         Kind = "voteItem"
	KindAddVoterVoteItem Kind = "addVoterVoteItem"

	// legacyKindAddVoter was emitted by early portal versions and is still
	// present in history. Read as KindAddVoterVoteItem, never written.
	legacyKindAddVoter Kind = "addVoter"
)

// Payload is one decoded creation blob variant.
type Payload interface {
	PayloadKind() Kind
}

// ProposalPayload is the blob attached to a top-level proposal creation.
type ProposalPayload struct {
	Kind        Kind   `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// FileDigest is an opaque reference into the file collaborator; the
	// core never carries file bytes.
	FileDigest string `json:"fileDigest,omitempty"`
}

func (p ProposalPayload) PayloadKind() Kind { return KindProposal }

// VoteItemPayload is the blob attached to a child vote item creation. The
// parent id and index are recorded here because child events may physically
// appear before or after the parent in the log.
type VoteItemPayload struct {
	Kind        Kind   `json:"type"`
	ParentID    string `json:"parentId"`
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (p VoteItemPayload) PayloadKind() Kind { return KindVoteItem }

// AddVoterVoteItemPayload is a vote item whose passing effect grants voting
// rights to the named address.
type AddVoterVoteItemPayload struct {
	Kind            Kind   `json:"type"`
	ParentID        string `json:"parentId"`
	Index           int    `json:"index"`
	NewVoterAddress string `json:"newVoterAddress"`
	NewVoterName    string `json:"newVoterName"`
}

func (p AddVoterVoteItemPayload) PayloadKind() Kind { return KindAddVoterVoteItem }

// Codec discriminates and (de)serializes the versioned blobs embedded in
// creation events.
//
//go:generate mockgen -source=codec.go -destination=../mocks/codec.go -package=mocks -mock_names=Codec=MockCodec
type Codec interface {
	// Decode parses a raw blob into a tagged payload. An unparseable or
	// tag-less blob fails with domain.ErrMalformedPayload; callers skip the
	// record and continue the batch.
	Decode(blob string) (Payload, error)

	// Encode is the exact inverse of Decode for new records. Output is
	// canonical JSON so re-encoding a payload reproduces the original bytes.
	Encode(p Payload) (string, error)
}

type jsonCodec struct {
	json adapter.JSON
	jcs  adapter.JCS
}

// New creates a codec over the given JSON and canonicalization adapters.
func New(jsonAdapter adapter.JSON, jcsAdapter adapter.JCS) Codec {
	return &jsonCodec{json: jsonAdapter, jcs: jcsAdapter}
}

type probe struct {
	Kind Kind `json:"type"`
}

func (c *jsonCodec) Decode(blob string) (Payload, error) {
	var tag probe
	if err := c.json.Unmarshal([]byte(blob), &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	switch tag.Kind {
	case KindProposal:
		var p ProposalPayload
		if err := c.json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		return p, nil

	case KindVoteItem:
		// Older history predates the index field; a missing index decodes
		// as zero, which pass-1 tolerates for legacy single-item proposals.
		var p VoteItemPayload
		if err := c.json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		return p, nil

	case KindAddVoterVoteItem, legacyKindAddVoter:
		var p AddVoterVoteItemPayload
		if err := c.json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		if p.NewVoterAddress == "" {
			return nil, fmt.Errorf("%w: add-voter payload without target address", domain.ErrMalformedPayload)
		}
		p.Kind = KindAddVoterVoteItem
		return p, nil

	case "":
		return nil, fmt.Errorf("%w: missing type tag", domain.ErrMalformedPayload)

	default:
		return nil, fmt.Errorf("%w: unknown type tag %q", domain.ErrMalformedPayload, tag.Kind)
	}
}

func (c *jsonCodec) Encode(p Payload) (string, error) {
	// Stamp the discriminant so callers cannot emit a tag-less blob.
	switch v := p.(type) {
	case ProposalPayload:
		v.Kind = KindProposal
		p = v
	case VoteItemPayload:
		v.Kind = KindVoteItem
		p = v
	case AddVoterVoteItemPayload:
		v.Kind = KindAddVoterVoteItem
		p = v
	default:
		return "", fmt.Errorf("unsupported payload type %T", p)
	}

	data, err := c.json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	canonical, err := c.jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	return string(canonical), nil
}
