package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/platinummonkey/consortium/pkg/errs"
)

// Collections used by the portal
const (
	CollectionUsers                  = "users"
	CollectionRegistrationRequests   = "registrationrequests"
	CollectionPasswordChangeRequests = "passwordchangerequests"
	CollectionUploads                = "librarianfileuploads"
	CollectionLibrarianAccounts      = "librarianaccounts"
)

// Document is a stored record. Data is a JSON object which always contains the
// "id" field.
type Document struct {
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Patch is a partial update. Expect holds field preconditions which must all
// equal the stored values for the update to apply; ExpectVersion, when
// non-zero, must equal the stored version.
type Patch struct {
	Set           map[string]interface{}
	Expect        map[string]interface{}
	ExpectVersion int64
}

// Store is the backing record store used by the authenticator and the workflows.
type Store interface {
	// List returns every document of a collection in creation order
	List(ctx context.Context, collection string) ([]Document, error)

	// Get returns one document or an errs.ErrNotFound error
	Get(ctx context.Context, collection, id string) (Document, error)

	// Create inserts a new document; the id must not exist yet
	Create(ctx context.Context, collection string, doc Document) (Document, error)

	// Update applies a patch atomically, failing with errs.ErrConflict when a
	// precondition does not hold
	Update(ctx context.Context, collection, id string, patch Patch) (Document, error)

	// Delete removes a document permanently
	Delete(ctx context.Context, collection, id string) error
}

// applyPatch evaluates the preconditions of p against data and returns the
// patched JSON object.
func applyPatch(collection, id string, version int64, data json.RawMessage, p Patch) (json.RawMessage, error) {
	if p.ExpectVersion != 0 && p.ExpectVersion != version {
		return nil, errs.Conflict(collection, id)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}

	for field, want := range p.Expect {
		normalized, err := normalize(want)
		if err != nil {
			return nil, fmt.Errorf("invalid precondition on %s: %w", field, err)
		}
		if !reflect.DeepEqual(obj[field], normalized) {
			return nil, errs.Conflict(collection, id)
		}
	}

	for field, value := range p.Set {
		if field == "id" {
			return nil, errs.Validation("the id of %s/%s cannot be changed", collection, id)
		}
		normalized, err := normalize(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", field, err)
		}
		obj[field] = normalized
	}

	return json.Marshal(obj)
}

// normalize converts a Go value into the shape encoding/json produces when
// decoding into interface{}, so that comparisons are representation-neutral.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// prepareCreate validates a new document and makes sure its JSON carries the id.
func prepareCreate(collection string, doc Document) (json.RawMessage, error) {
	if doc.ID == "" {
		return nil, errs.Validation("a record id is required to create a %s record", collection)
	}

	var obj map[string]interface{}
	if len(doc.Data) == 0 {
		obj = map[string]interface{}{}
	} else if err := json.Unmarshal(doc.Data, &obj); err != nil {
		return nil, errs.Validation("record %s/%s is not a JSON object", collection, doc.ID)
	}
	if existing, ok := obj["id"]; ok && existing != doc.ID {
		return nil, errs.Validation("record id mismatch for %s/%s", collection, doc.ID)
	}
	obj["id"] = doc.ID

	return json.Marshal(obj)
}
