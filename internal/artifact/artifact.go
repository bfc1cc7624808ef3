// Package artifact manages downloadable artifact records: creation after
// repackaging, password-gated download resolution, and expiry.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stowage-io/stowage/internal/blobstore"
	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/metastore"
)

// Record is the durable description of one artifact.
type Record struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func recordKey(id string) string {
	return fmt.Sprintf("artifact:%s", id)
}

// HashPassword derives a bcrypt hash for storage. Empty passwords mean
// the artifact is not protected.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Registry stores artifact records and resolves downloads.
type Registry struct {
	store metastore.Store
	blobs blobstore.Store
}

func NewRegistry(store metastore.Store, blobs blobstore.Store) *Registry {
	return &Registry{store: store, blobs: blobs}
}

// Create persists a new artifact record.
func (r *Registry) Create(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal artifact record: %w", err)
	}
	return r.store.Put(ctx, recordKey(rec.ID), data)
}

// Get fetches one artifact record. Expired artifacts that the sweeper
// has not reached yet read as not found.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	data, err := r.store.Get(ctx, recordKey(id))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal artifact record: %w", err)
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return Record{}, fault.Newf(fault.KindNotFound, "artifact.get", "artifact %s has expired", id)
	}
	return rec, nil
}

// ResolveDownload checks the password and returns a presigned download
// URL for the artifact.
func (r *Registry) ResolveDownload(ctx context.Context, id, password string, ttl time.Duration) (Record, string, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return Record{}, "", err
	}
	if rec.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
			return Record{}, "", fault.New(fault.KindValidation, "artifact.download", "invalid password")
		}
	}
	url, err := r.blobs.PresignGet(ctx, rec.Key, ttl)
	if err != nil {
		return Record{}, "", err
	}
	return rec, url, nil
}

// Delete removes the record and its blob.
func (r *Registry) Delete(ctx context.Context, id string) error {
	rec, err := r.Get(ctx, id)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.blobs.Delete(ctx, rec.Key); err != nil {
		return err
	}
	return r.store.Delete(ctx, recordKey(id))
}
