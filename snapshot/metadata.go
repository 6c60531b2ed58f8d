package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// PayloadFile is the name of the payload inside a cache entry.
	PayloadFile = "snapshot.api.json"

	// MetadataFile is the name of the metadata record inside a cache entry.
	MetadataFile = "metadata.json"

	// DefaultNamespace is used when no namespace is configured.
	DefaultNamespace = "api-snapshots"

	// DefaultBranch is the reference branch used for baselines when the
	// caller does not name one.
	DefaultBranch = "main"
)

// Metadata describes one stored snapshot.
//
// The four named fields have fixed JSON names. Any other field found when
// decoding is kept in Extra and written back unchanged, so records produced
// by other tools survive a round trip through a backend. Extra values are
// held in compact form.
type Metadata struct {
	PackageName string // required
	CommitHash  string // required, used verbatim in the cache key
	Branch      string
	Timestamp   string // RFC 3339

	Extra map[string]json.RawMessage
}

var knownFields = map[string]bool{
	"packageName": true,
	"commitHash":  true,
	"branch":      true,
	"timestamp":   true,
}

// MarshalJSON writes the named fields first and then the Extra fields in key
// order. Extra entries whose names collide with a named field are dropped.
// Nothing is HTML escaped here; json.Marshal still escapes the result, so
// use EncodeMetadata to keep the bytes as they are.
func (md Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	add := func(name string, v []byte) error {
		if len(v) == 0 {
			v = []byte("null")
		}
		if !json.Valid(v) {
			return fmt.Errorf("metadata field %q is not valid JSON", name)
		}
		k, _ := marshalString(name)
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}
	for _, f := range []struct {
		name  string
		value string
	}{
		{"packageName", md.PackageName},
		{"commitHash", md.CommitHash},
		{"branch", md.Branch},
		{"timestamp", md.Timestamp},
	} {
		v, _ := marshalString(f.value)
		if err := add(f.name, v); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(md.Extra))
	for name := range md.Extra {
		if knownFields[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := add(name, md.Extra[name]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalString(v string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodeMetadata renders md without HTML escaping, indenting by indent if
// it is not empty. The result has no trailing newline. Extra values come
// out exactly as they were decoded.
func EncodeMetadata(md Metadata, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(md); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON decodes the named fields and collects everything else into
// Extra.
func (md *Metadata) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	*md = Metadata{}
	for name, raw := range fields {
		var err error
		switch name {
		case "packageName":
			err = json.Unmarshal(raw, &md.PackageName)
		case "commitHash":
			err = json.Unmarshal(raw, &md.CommitHash)
		case "branch":
			err = json.Unmarshal(raw, &md.Branch)
		case "timestamp":
			err = json.Unmarshal(raw, &md.Timestamp)
		default:
			var c bytes.Buffer
			err = json.Compact(&c, raw)
			if err == nil {
				if md.Extra == nil {
					md.Extra = make(map[string]json.RawMessage)
				}
				md.Extra[name] = json.RawMessage(c.Bytes())
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Time parses the Timestamp field. Fractional seconds are optional.
func (md Metadata) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(md.Timestamp))
}

// ValidateMetadata returns a *ValidationError if a required field is
// missing. Backends call it before touching storage.
func ValidateMetadata(md Metadata) error {
	if md.PackageName == "" {
		return &ValidationError{Field: "packageName", Reason: "is empty"}
	}
	if md.CommitHash == "" {
		return &ValidationError{Field: "commitHash", Reason: "is empty"}
	}
	return nil
}

// SortNewestFirst orders mds by Timestamp, newest first. Entries with an
// unparseable timestamp go after all parseable ones, ordered by the raw
// string descending. Ties keep their input order.
func SortNewestFirst(mds []Metadata) {
	type keyed struct {
		t  time.Time
		ok bool
		md Metadata
	}
	ks := make([]keyed, len(mds))
	for i, md := range mds {
		t, err := md.Time()
		ks[i] = keyed{t: t, ok: err == nil, md: md}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		a, b := ks[i], ks[j]
		if a.ok != b.ok {
			return a.ok
		}
		if !a.ok {
			return a.md.Timestamp > b.md.Timestamp
		}
		return a.t.After(b.t)
	})
	for i := range ks {
		mds[i] = ks[i].md
	}
}

// FilterBranch returns the entries of mds on the given branch. An empty
// branch matches everything.
func FilterBranch(mds []Metadata, branch string) []Metadata {
	if branch == "" {
		return mds
	}
	var result []Metadata
	for _, md := range mds {
		if md.Branch == branch {
			result = append(result, md)
		}
	}
	return result
}

// Cutoff returns the retention boundary for the given number of days.
// Entries with a timestamp strictly before it are expired.
func Cutoff(now time.Time, retentionDays int) time.Time {
	return now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
}
