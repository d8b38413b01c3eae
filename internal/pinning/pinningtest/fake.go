// Package pinningtest provides an in-memory pinning.Provider for tests.
package pinningtest

import (
	"context"
	"sync"

	"github.com/terra-clan/cert-engine/internal/pinning"
)

// Provider stores published artifacts by content hash
type Provider struct {
	mu sync.Mutex

	// Err fails every publish when set
	Err error

	Images    map[string][]byte
	Documents map[string][]byte
	calls     int
}

// New creates an empty provider
func New() *Provider {
	return &Provider{
		Images:    make(map[string][]byte),
		Documents: make(map[string][]byte),
	}
}

func (p *Provider) PublishImage(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.Err != nil {
		return "", p.Err
	}
	uri := "ipfs://image-" + pinning.ContentHash(data)
	p.Images[uri] = data
	return uri, nil
}

func (p *Provider) PublishMetadata(ctx context.Context, name string, doc []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.Err != nil {
		return "", p.Err
	}
	uri := "ipfs://meta-" + pinning.ContentHash(doc)
	p.Documents[uri] = doc
	return uri, nil
}

func (p *Provider) Type() string { return "memory" }

func (p *Provider) HealthCheck(ctx context.Context) error { return p.Err }

// Calls returns the number of publish attempts
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// SetErr changes the publish failure
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

var _ pinning.Provider = (*Provider)(nil)
