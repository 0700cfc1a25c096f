// Package factory builds the storage backend selected by configuration.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/storage/local"
	s3backend "github.com/fruitsalade/basket/internal/storage/s3"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
