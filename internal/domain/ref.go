package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Ref is an identifier that the backend may send either as a raw string or as
// a populated document ({"_id": "...", ...} / {"id": "..."}). Decoding always
// yields the canonical id string.
type Ref string

// String returns the canonical id.
func (r Ref) String() string { return string(r) }

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool { return r == "" }

// UnmarshalJSON accepts a string, a number, null, or an object carrying
// "_id" or "id" (which may themselves be nested).
func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Ref(s)
		return nil
	case '{':
		var obj struct {
			UnderscoreID Ref `json:"_id"`
			ID           Ref `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*r = FirstRef(obj.UnderscoreID, obj.ID)
		return nil
	default:
		if _, err := strconv.ParseFloat(string(b), 64); err == nil {
			*r = Ref(b)
			return nil
		}
		return fmt.Errorf("domain: cannot decode id reference from %s", b)
	}
}

// FirstRef returns the first non-empty reference.
func FirstRef(refs ...Ref) Ref {
	for _, r := range refs {
		if r != "" {
			return r
		}
	}
	return ""
}
