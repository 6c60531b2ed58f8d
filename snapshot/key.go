package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sanitize makes a package name usable as part of a single path segment.
// Every rune outside [A-Za-z0-9._-] becomes '_', so "@scope/name" turns into
// "_scope_name".
//
// The mapping is lossy: "@scope/name" and "_scope_name" sanitize to the same
// string. Use HashedKeys when that matters.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z',
			'A' <= r && r <= 'Z',
			'0' <= r && r <= '9',
			r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

// GenerateCacheKey returns the readable cache key for a package at a commit.
// The result depends only on its arguments.
func GenerateCacheKey(packageName, commitHash string) string {
	return Sanitize(packageName) + "_" + commitHash
}

// A KeyStrategy derives cache keys. Key(p, c) must always begin with
// Prefix(p), which backends use to find every entry of a package.
type KeyStrategy interface {
	Key(packageName, commitHash string) string
	Prefix(packageName string) string
}

// ReadableKeys is the default KeyStrategy and uses GenerateCacheKey.
type ReadableKeys struct{}

func (ReadableKeys) Key(packageName, commitHash string) string {
	return GenerateCacheKey(packageName, commitHash)
}

func (ReadableKeys) Prefix(packageName string) string {
	return Sanitize(packageName) + "_"
}

// HashedKeys appends a digest of the unsanitized package name to the
// readable form, e.g. "_scope_name-1a2b3c4d5e6f7a8b_<commit>". Package names
// that sanitize alike still get distinct keys.
type HashedKeys struct{}

func (h HashedKeys) Key(packageName, commitHash string) string {
	return h.Prefix(packageName) + commitHash
}

func (HashedKeys) Prefix(packageName string) string {
	sum := sha256.Sum256([]byte(packageName))
	return Sanitize(packageName) + "-" + hex.EncodeToString(sum[:8]) + "_"
}

// ValidateKey checks that key names exactly one visible directory inside a
// namespace. Names starting with a dot are kept for backend bookkeeping.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return &ValidationError{Field: "key", Reason: "is empty"}
	case key == "." || key == "..":
		return &ValidationError{Field: "key", Reason: "is a relative path element"}
	case strings.HasPrefix(key, "."):
		return &ValidationError{Field: "key", Reason: "starts with a dot"}
	case strings.ContainsAny(key, `/\`):
		return &ValidationError{Field: "key", Reason: "contains a path separator"}
	case strings.ContainsRune(key, 0):
		return &ValidationError{Field: "key", Reason: "contains a NUL byte"}
	}
	return nil
}

// ValidateNamespace checks that a namespace is a single path segment.
func ValidateNamespace(ns string) error {
	if err := ValidateKey(ns); err != nil {
		return &ValidationError{Field: "namespace", Reason: err.(*ValidationError).Reason}
	}
	return nil
}
