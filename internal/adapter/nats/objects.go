package nats

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/port/objectstorage"
)

var _ objectstorage.Storage = (*Objects)(nil)

// Objects stores payloads and results in a JetStream object store bucket.
// Chunks are concatenated on write; Fetch returns the object as one chunk
// and readers re-split it to their own bound.
type Objects struct {
	store jetstream.ObjectStore
}

// OpenObjects creates or updates bucket and returns storage over it.
func OpenObjects(ctx context.Context, js jetstream.JetStream, bucket string) (*Objects, error) {
	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "GridForge payloads and results",
	})
	if err != nil {
		return nil, fmt.Errorf("object store %s: %w", bucket, err)
	}
	return &Objects{store: store}, nil
}

func (o *Objects) Fetch(ctx context.Context, id string) ([][]byte, error) {
	data, err := o.store.GetBytes(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("fetch object %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("fetch object %s: %w", id, err)
	}
	return [][]byte{data}, nil
}

func (o *Objects) Store(ctx context.Context, id string, chunks [][]byte) error {
	readers := make([]io.Reader, len(chunks))
	for i, c := range chunks {
		readers[i] = bytes.NewReader(c)
	}
	if _, err := o.store.Put(ctx, jetstream.ObjectMeta{Name: id}, io.MultiReader(readers...)); err != nil {
		return fmt.Errorf("store object %s: %w", id, err)
	}
	return nil
}

func (o *Objects) Delete(ctx context.Context, id string) error {
	err := o.store.Delete(ctx, id)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return nil
}
