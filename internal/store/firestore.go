package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore is a Repository backed by Cloud Firestore. Conditional updates
// run inside a transaction so the expectation check and the write are atomic.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects to the Firestore database of projectID. When the
// FIRESTORE_EMULATOR_HOST variable is set the client talks to the emulator.
func NewFirestore(ctx context.Context, projectID string, opts ...option.ClientOption) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

// Get implements Repository.
func (f *Firestore) Get(ctx context.Context, collection, id string, dst any) error {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return wrapFirestoreError(collection, id, err)
	}
	if err := snap.DataTo(dst); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return nil
}

// Create implements Repository.
func (f *Firestore) Create(ctx context.Context, collection string, doc any, linked ...Write) (string, error) {
	ref := f.client.Collection(collection).NewDoc()

	err := f.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(ref, doc); err != nil {
			return err
		}
		return f.createLinked(tx, linked)
	})
	if err != nil {
		return "", wrapFirestoreError(collection, ref.ID, err)
	}
	return ref.ID, nil
}

// Update implements Repository.
func (f *Firestore) Update(ctx context.Context, collection, id string, expect Expect, fields map[string]any, linked ...Write) error {
	ref := f.client.Collection(collection).Doc(id)

	err := f.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if err := expect.check(collection, id, snap.Data()); err != nil {
			return err
		}
		if err := tx.Update(ref, toUpdates(fields)); err != nil {
			return err
		}
		return f.createLinked(tx, linked)
	})
	if err != nil {
		return wrapFirestoreError(collection, id, err)
	}
	return nil
}

func (f *Firestore) createLinked(tx *firestore.Transaction, linked []Write) error {
	for _, w := range linked {
		col := f.client.Collection(w.Collection)
		ref := col.NewDoc()
		if w.ID != "" {
			ref = col.Doc(w.ID)
		}
		if err := tx.Create(ref, w.Doc); err != nil {
			return err
		}
	}
	return nil
}

func toUpdates(fields map[string]any) []firestore.Update {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	updates := make([]firestore.Update, 0, len(keys))
	for _, k := range keys {
		v := fields[k]
		if v == nil {
			v = firestore.Delete
		}
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	return updates
}

// wrapFirestoreError maps gRPC status codes onto the repository errors and
// passes conflicts through untouched.
func wrapFirestoreError(collection, id string, err error) error {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}
	return fmt.Errorf("firestore %s/%s: %w", collection, id, err)
}
