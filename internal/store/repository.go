package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/teemow/draftsender/internal/model"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// ConflictError is returned by Update when the document no longer matches
// the caller's expectation.
type ConflictError struct {
	Collection string
	ID         string
	Field      string
	Expected   string
	Actual     string
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s/%s: expected %s=%q, found %q", e.Collection, e.ID, e.Field, e.Expected, e.Actual)
}

// Expect lists field values a conditional update requires. A field that is
// absent from the document compares equal to "".
type Expect map[string]string

// Pending is the expectation used by status transitions out of pending.
func Pending() Expect {
	return Expect{model.FieldStatus: string(model.StatusPending)}
}

// With returns a copy of e that additionally requires field to equal value.
func (e Expect) With(field, value string) Expect {
	out := make(Expect, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out[field] = value
	return out
}

// check compares e against the current document fields in a stable order so
// conflicts report the same field every time.
func (e Expect) check(collection, id string, current map[string]any) error {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		actual := fieldString(current[k])
		if actual != e[k] {
			return &ConflictError{
				Collection: collection,
				ID:         id,
				Field:      k,
				Expected:   e[k],
				Actual:     actual,
			}
		}
	}
	return nil
}

func fieldString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Write is a document created in the same commit as the operation it is
// passed to.
type Write struct {
	Collection string
	ID         string
	Doc        any
}

// Repository is the document store used by the delivery pipeline.
type Repository interface {
	// Get decodes the document into dst. Returns ErrNotFound when absent.
	Get(ctx context.Context, collection, id string, dst any) error

	// Create stores doc under a generated id, together with any linked
	// writes, and returns the id.
	Create(ctx context.Context, collection string, doc any, linked ...Write) (string, error)

	// Update sets fields on an existing document if it matches expect. A nil
	// field value removes the field. Returns ErrNotFound when absent and
	// *ConflictError on mismatch. Linked writes are committed in the same
	// transaction.
	Update(ctx context.Context, collection, id string, expect Expect, fields map[string]any, linked ...Write) error
}

// GetDraft loads a Draft or Followup record.
func GetDraft(ctx context.Context, r Repository, collection, id string) (*model.Draft, error) {
	var d model.Draft
	if err := r.Get(ctx, collection, id, &d); err != nil {
		return nil, err
	}
	d.ID = id
	return &d, nil
}

// GetPixel loads a TrackingPixel record.
func GetPixel(ctx context.Context, r Repository, collection, id string) (*model.TrackingPixel, error) {
	var p model.TrackingPixel
	if err := r.Get(ctx, collection, id, &p); err != nil {
		return nil, err
	}
	p.ID = id
	return &p, nil
}
