// Package objectstorage defines the port for payload and result bytes.
package objectstorage

import "context"

// Storage keeps opaque byte objects as ordered chunks.
type Storage interface {
	// Fetch returns the chunks stored under id, or domain.ErrNotFound.
	Fetch(ctx context.Context, id string) ([][]byte, error)

	// Store writes chunks under id, replacing any previous object.
	Store(ctx context.Context, id string, chunks [][]byte) error

	// Delete removes id. Deleting a missing object is not an error.
	Delete(ctx context.Context, id string) error
}
