package records

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tag identifies a transport endpoint as a (scope, name) pair, for example
// ("pool1", "tag1") or ("longcode", "+27831234567").
type Tag struct {
	Scope string
	Name  string
}

// NewTag builds a Tag from its scope and name components.
func NewTag(scope, name string) Tag {
	return Tag{Scope: scope, Name: name}
}

// ParseTag splits a flattened "scope:name" key back into a Tag. The name may
// itself contain colons; only the first one separates the scope.
func ParseTag(key string) (Tag, error) {
	scope, name, ok := strings.Cut(key, ":")
	if !ok {
		return Tag{}, fmt.Errorf("invalid tag key %q: missing scope separator", key)
	}
	return Tag{Scope: scope, Name: name}, nil
}

// String flattens the tag to its "scope:name" record key.
func (t Tag) String() string {
	return t.Scope + ":" + t.Name
}

// MarshalJSON encodes the tag as a two-element JSON array. This matches the
// representation transports place in message payloads.
func (t Tag) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{t.Scope, t.Name})
}

// UnmarshalJSON decodes a two-element JSON array into the tag.
func (t *Tag) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("tag must be a [scope, name] pair: %w", err)
	}
	t.Scope, t.Name = pair[0], pair[1]
	return nil
}
