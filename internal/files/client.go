// Package files talks to the content-addressed file collaborator. Proposals
// reference attachments by digest only; bytes never enter the core.
package files

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/domain"
)

// Client pins and fetches proposal attachments on an IPFS pinning gateway.
//
//go:generate mockgen -source=client.go -destination=../mocks/files.go -package=mocks -mock_names=Client=MockFileClient
type Client interface {
	// Upload pins a file and returns its content digest.
	Upload(ctx context.Context, filename string, content []byte) (string, error)

	// Fetch returns the bytes behind a digest.
	Fetch(ctx context.Context, digest string) ([]byte, error)
}

type ipfsClient struct {
	http    adapter.HTTPClient
	json    adapter.JSON
	apiURL  string
	gateway string
}

// NewIPFSClient creates a client against an IPFS HTTP API and a read gateway.
func NewIPFSClient(http adapter.HTTPClient, json adapter.JSON, apiURL, gateway string) Client {
	return &ipfsClient{
		http:    http,
		json:    json,
		apiURL:  strings.TrimSuffix(apiURL, "/"),
		gateway: strings.TrimSuffix(gateway, "/"),
	}
}

type addResponse struct {
	Hash string `json:"Hash"`
	Name string `json:"Name"`
	Size string `json:"Size"`
}

func (c *ipfsClient) Upload(ctx context.Context, filename string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	respBody, err := c.http.Post(ctx, c.apiURL+"/api/v0/add?pin=true", mw.FormDataContentType(), &body)
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to pin file: %w", err))
	}

	var resp addResponse
	if err := c.json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unexpected pin response: %w", err)
	}
	if resp.Hash == "" {
		return "", fmt.Errorf("pin response carries no digest")
	}

	return resp.Hash, nil
}

func (c *ipfsClient) Fetch(ctx context.Context, digest string) ([]byte, error) {
	if digest == "" {
		return nil, fmt.Errorf("empty file digest")
	}

	data, err := c.http.GetRaw(ctx, c.gateway+"/ipfs/"+url.PathEscape(digest))
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to fetch file %s: %w", digest, err))
	}
	return data, nil
}
