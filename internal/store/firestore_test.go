package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/draftsender/internal/model"
)

func TestToUpdates(t *testing.T) {
	updates := toUpdates(map[string]any{
		"status":     "sent",
		"send_claim": nil,
		"message_id": "m1",
	})

	require.Len(t, updates, 3)
	assert.Equal(t, "message_id", updates[0].Path)
	assert.Equal(t, "send_claim", updates[1].Path)
	assert.Equal(t, "status", updates[2].Path)
	assert.NotNil(t, updates[1].Value, "nil must become the delete sentinel")
}

func TestWrapFirestoreError_PassesConflictThrough(t *testing.T) {
	conflict := &ConflictError{Collection: "c", ID: "1", Field: "status", Expected: "pending", Actual: "sent"}
	err := wrapFirestoreError("c", "1", conflict)
	assert.Same(t, conflict, err)
}

// TestFirestore_Emulator exercises the transactional update against the
// Firestore emulator. It is skipped unless FIRESTORE_EMULATOR_HOST is set.
func TestFirestore_Emulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fs, err := NewFirestore(ctx, "draftsender-test")
	require.NoError(t, err)
	defer func() { _ = fs.Close() }()

	drafts := "drafts-" + uuid.NewString()
	opens := "opens-" + uuid.NewString()

	id, err := fs.Create(ctx, drafts, &model.Draft{To: "a@x.com", Subject: "s", Status: model.StatusPending, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	pixel := Write{Collection: opens, ID: "p1", Doc: &model.TrackingPixel{To: "a@x.com", CreatedAt: time.Now().UTC()}}
	require.NoError(t, fs.Update(ctx, drafts, id, Pending(), map[string]any{
		model.FieldStatus:    model.StatusSent,
		model.FieldMessageID: "m1",
		model.FieldPixelID:   "p1",
	}, pixel))

	err = fs.Update(ctx, drafts, id, Pending(), map[string]any{model.FieldStatus: model.StatusSent})
	var conflict *ConflictError
	assert.True(t, errors.As(err, &conflict))

	d, err := GetDraft(ctx, fs, drafts, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, d.Status)
	assert.Equal(t, "p1", d.PixelID)

	_, err = GetPixel(ctx, fs, opens, "p1")
	require.NoError(t, err)

	_, err = GetDraft(ctx, fs, drafts, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
