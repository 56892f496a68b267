package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Decode unmarshals a document into a record type
func Decode[T any](doc Document) (T, error) {
	var rec T
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode record %s: %w", doc.ID, err)
	}
	return rec, nil
}

// GetAll lists and decodes a whole collection
func GetAll[T any](ctx context.Context, s Store, collection string) ([]T, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		rec, err := Decode[T](doc)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, nil
}

// GetByID fetches and decodes one record
func GetByID[T any](ctx context.Context, s Store, collection, id string) (T, error) {
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](doc)
}

// Insert encodes and creates a record under id
func Insert[T any](ctx context.Context, s Store, collection, id string, rec T) (T, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to encode record %s: %w", id, err)
	}

	doc, err := s.Create(ctx, collection, Document{ID: id, Data: data})
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](doc)
}

// Modify applies a patch and decodes the resulting record
func Modify[T any](ctx context.Context, s Store, collection, id string, patch Patch) (T, error) {
	doc, err := s.Update(ctx, collection, id, patch)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](doc)
}

// Filter returns the records for which keep reports true
func Filter[T any](items []T, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
