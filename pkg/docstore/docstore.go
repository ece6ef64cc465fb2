// Package docstore defines the document-store persistence collaborator:
// keyed JSON documents grouped into collections, with point lookup, filtered
// query and partial update. The rest of the system depends only on this
// contract, not on a concrete storage engine.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Document is one stored record. Values follow encoding/json conventions
// (numbers are float64, nested objects are map[string]any).
type Document map[string]any

// Filter matches documents whose fields equal every listed value. Values are
// compared by their canonical text rendering, so numeric width differences
// between writer and reader do not matter.
type Filter map[string]any

// Keyed pairs a document with its key, for query results.
type Keyed struct {
	Key string
	Doc Document
}

type Store interface {
	// Get returns the document or core.ErrEntityNotFound.
	Get(ctx context.Context, collection, key string) (Document, error)
	Put(ctx context.Context, collection, key string, doc Document) error
	Query(ctx context.Context, collection string, filter Filter) ([]Keyed, error)
	// Update applies a partial patch to an existing document;
	// core.ErrEntityNotFound if absent.
	Update(ctx context.Context, collection, key string, patch Document) error
	// Delete removes a document. Deleting an absent key is not an error.
	Delete(ctx context.Context, collection, key string) error
}

// Encode marshals a typed record into a Document.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Decode unmarshals a Document into a typed record.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Matches reports whether doc satisfies every field of the filter.
func Matches(doc Document, filter Filter) bool {
	for field, want := range filter {
		have, ok := doc[field]
		if !ok {
			return false
		}
		if fmt.Sprint(have) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
