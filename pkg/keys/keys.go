// Package keys derives the rate-limit and cache keys used by the gate.
//
// Keys are plain strings made of colon-separated segments. Caller-supplied
// segments are escaped so two different tuples never produce the same key
// and so glob patterns passed to cache invalidation only match what the
// operator meant.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidKey reports malformed input to key derivation.
var ErrInvalidKey = errors.New("invalid key")

// Prefix of every rate-limit key.
const RatePrefix = "rate_limit"

var escaper = strings.NewReplacer(
	`%`, `%25`,
	`:`, `%3A`,
	`*`, `%2A`,
	`?`, `%3F`,
	`[`, `%5B`,
	`]`, `%5D`,
	`\`, `%5C`,
)

// Escape makes s safe to use as a single key segment.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Join builds "operation:part1:part2...". The operation must be a bare name;
// parts are escaped.
func Join(operation string, parts ...string) (string, error) {
	if err := validOperation(operation); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(operation)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(Escape(p))
	}
	return b.String(), nil
}

// Hash builds "operation:<sha256 of the JSON encoding of params>". Use it
// when params are large or may hold values that must not appear in a key.
func Hash(operation string, params ...any) (string, error) {
	if err := validOperation(operation); err != nil {
		return "", err
	}

	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("%w: encode params: %v", ErrInvalidKey, err)
	}

	sum := sha256.Sum256(data)
	return operation + ":" + hex.EncodeToString(sum[:]), nil
}

func validOperation(operation string) error {
	if operation == "" {
		return fmt.Errorf("%w: empty operation", ErrInvalidKey)
	}
	for _, r := range operation {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`*?[]\`, r) {
			return fmt.Errorf("%w: operation %q contains %q", ErrInvalidKey, operation, r)
		}
	}
	return nil
}
