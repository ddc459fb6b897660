package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrAlreadyExists is returned when a linked write targets an existing id.
var ErrAlreadyExists = errors.New("document already exists")

type document map[string]any

// Memory is an in-process Repository for local runs and tests. Documents are
// kept as field maps so partial updates behave like the document store.
type Memory struct {
	mu    sync.Mutex
	docs  map[string]map[string]document
	newID func() string
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]map[string]document),
		newID: uuid.NewString,
	}
}

// Put stores doc under id, replacing any existing document.
func (m *Memory) Put(collection, id string, doc any) error {
	fields, err := toDocument(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = fields
	return nil
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[collection])
}

// Get implements Repository.
func (m *Memory) Get(_ context.Context, collection, id string, dst any) error {
	m.mu.Lock()
	fields, ok := m.docs[collection][id]
	var raw []byte
	var err error
	if ok {
		raw, err = json.Marshal(fields)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return nil
}

// Create implements Repository.
func (m *Memory) Create(_ context.Context, collection string, doc any, linked ...Write) (string, error) {
	fields, err := toDocument(doc)
	if err != nil {
		return "", err
	}
	prepared, err := m.prepare(linked)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLinked(prepared); err != nil {
		return "", err
	}

	id := m.newID()
	m.collection(collection)[id] = fields
	m.commitLinked(prepared)
	return id, nil
}

// Update implements Repository.
func (m *Memory) Update(_ context.Context, collection, id string, expect Expect, fields map[string]any, linked ...Write) error {
	prepared, err := m.prepare(linked)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.docs[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err := expect.check(collection, id, current); err != nil {
		return err
	}
	if err := m.checkLinked(prepared); err != nil {
		return err
	}

	for k, v := range fields {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	m.commitLinked(prepared)
	return nil
}

type preparedWrite struct {
	collection string
	id         string
	fields     document
}

func (m *Memory) prepare(linked []Write) ([]preparedWrite, error) {
	out := make([]preparedWrite, 0, len(linked))
	for _, w := range linked {
		fields, err := toDocument(w.Doc)
		if err != nil {
			return nil, err
		}
		id := w.ID
		if id == "" {
			id = m.newID()
		}
		out = append(out, preparedWrite{collection: w.Collection, id: id, fields: fields})
	}
	return out, nil
}

// checkLinked must be called with mu held.
func (m *Memory) checkLinked(writes []preparedWrite) error {
	for _, w := range writes {
		if _, exists := m.docs[w.collection][w.id]; exists {
			return fmt.Errorf("%s/%s: %w", w.collection, w.id, ErrAlreadyExists)
		}
	}
	return nil
}

// commitLinked must be called with mu held.
func (m *Memory) commitLinked(writes []preparedWrite) {
	for _, w := range writes {
		m.collection(w.collection)[w.id] = w.fields
	}
}

// collection must be called with mu held.
func (m *Memory) collection(name string) map[string]document {
	c, ok := m.docs[name]
	if !ok {
		c = make(map[string]document)
		m.docs[name] = c
	}
	return c
}

func toDocument(doc any) (document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var fields document
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("document must encode to an object")
	}
	return fields, nil
}
