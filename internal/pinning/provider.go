package pinning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Provider publishes certificate artifacts to content-addressed storage.
// Publishing the same bytes twice must yield the same URI.
type Provider interface {
	// PublishImage stores a rendered certificate and returns its content URI
	PublishImage(ctx context.Context, name string, data []byte, contentType string) (string, error)

	// PublishMetadata stores a token metadata JSON document and returns its content URI
	PublishMetadata(ctx context.Context, name string, doc []byte) (string, error)

	// Type returns the provider type name
	Type() string

	// HealthCheck checks if the provider is reachable with the configured credentials
	HealthCheck(ctx context.Context) error
}

// BaseProvider provides common functionality for providers
type BaseProvider struct {
	providerType string
}

// Type returns the provider type
func (p *BaseProvider) Type() string {
	return p.providerType
}

// ContentHash returns the hex sha256 digest used as a content address
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
