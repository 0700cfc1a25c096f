// Package share maps unguessable tokens to files for public read access.
package share

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/metrics"
	"github.com/fruitsalade/basket/internal/storage"
	"github.com/fruitsalade/basket/internal/vpath"
)

const tokenBytes = 32

// Record is one share link. It deliberately carries no owner.
type Record struct {
	Token     string    `json:"token"`
	Path      string    `json:"path"`
	Root      string    `json:"root"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists share records. Save must be atomic per (root, path):
// without force it returns the newest existing record if there is one,
// with force it drops every record for the pair before storing rec.
type Store interface {
	Save(ctx context.Context, rec Record, force bool) (*Record, error)
	Latest(ctx context.Context, root, path string) (*Record, error)
	Get(ctx context.Context, token string) (*Record, error)
	Close() error
}

// Registry creates and resolves share links.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Create returns the share token for path in root, minting one if none
// exists. With force any previous token for the pair stops resolving.
func (r *Registry) Create(ctx context.Context, path, root string, force bool) (*Record, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w: %w", storage.ErrInternal, err)
	}
	rec := Record{
		Token:     token,
		Path:      vpath.Normalize(path),
		Root:      root,
		CreatedAt: r.now().UTC(),
	}

	saved, err := r.store.Save(ctx, rec, force)
	if err != nil {
		return nil, err
	}
	if saved.Token == token {
		metrics.RecordShareCreated()
		logging.Info("share link created", zap.String("path", rec.Path), zap.Bool("force", force))
	}
	return saved, nil
}

// Lookup returns the newest share of path in root.
func (r *Registry) Lookup(ctx context.Context, path, root string) (*Record, error) {
	return r.store.Latest(ctx, root, vpath.Normalize(path))
}

// Resolve returns the record for token. It needs no authentication.
func (r *Registry) Resolve(ctx context.Context, token string) (*Record, error) {
	if !validToken(token) {
		return nil, fmt.Errorf("share: %w", storage.ErrNotFound)
	}
	return r.store.Get(ctx, token)
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validToken(token string) bool {
	if len(token) != 2*tokenBytes {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// newest picks the most recently created record, breaking ties by token.
func newest(recs []Record) *Record {
	if len(recs) == 0 {
		return nil
	}
	best := recs[0]
	for _, rec := range recs[1:] {
		if rec.CreatedAt.After(best.CreatedAt) ||
			(rec.CreatedAt.Equal(best.CreatedAt) && rec.Token > best.Token) {
			best = rec
		}
	}
	return &best
}
