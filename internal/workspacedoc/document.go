package workspacedoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var ErrInvalidDocument = errors.New("invalid workspace document")

// Document is the whole workspace state. The engine never looks inside it
// beyond cloning, validating and shipping it.
type Document map[string]any

// New returns an empty document.
func New() Document {
	return Document{}
}

// Parse decodes a JSON object. Null or empty input yields nil.
func Parse(data []byte) (Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc, nil
}

func (d Document) Marshal() (json.RawMessage, error) {
	if d == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(d)
}

// Clone deep-copies the document through a JSON round trip so that numbers,
// nested maps and slices never alias the source.
func (d Document) Clone() (Document, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// MustClone is Clone for documents that are known to have come from JSON.
func (d Document) MustClone() Document {
	out, err := d.Clone()
	if err != nil {
		panic(err)
	}
	return out
}

// Equal compares two documents by their JSON value.
func Equal(a, b Document) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(d Document) (any, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
