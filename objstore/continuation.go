package objstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// A continuation token names the first (term, key) pair a resumed scan still
// has to cover. The encoding is private to this package; callers treat
// tokens as opaque strings that stay valid across processes.

func encodeContinuation(term, key string) string {
	raw, err := json.Marshal([2]string{term, key})
	if err != nil {
		// A pair of strings always marshals.
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeContinuation(token string) (term, key string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("invalid continuation token: %w", err)
	}
	var pair [2]string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return "", "", fmt.Errorf("invalid continuation token: %w", err)
	}
	return pair[0], pair[1], nil
}
