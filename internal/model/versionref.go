package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// VersionRef references a dataset version: a concrete integer, the symbolic
// HEAD, a named tag, or a half-open range [start, end). After a step is
// prepared the ref contains only integers.
type VersionRef struct {
	version int64
	start   int64
	end     int64
	tag     string
	head    bool
	isRange bool
}

const headAlias = "HEAD"

// NewVersion creates a ref to a concrete version.
func NewVersion(version int64) VersionRef {
	return VersionRef{version: version}
}

// NewHead creates a ref to the symbolic HEAD version.
func NewHead() VersionRef {
	return VersionRef{head: true}
}

// NewTag creates a ref to a named tag.
func NewTag(tag string) VersionRef {
	return VersionRef{tag: tag}
}

// NewRange creates a half-open range ref [start, end).
func NewRange(start, end int64) VersionRef {
	return VersionRef{start: start, end: end, isRange: true}
}

func (r VersionRef) IsZero() bool {
	return r == VersionRef{}
}

func (r VersionRef) IsHead() bool { return r.head }

func (r VersionRef) IsTag() bool { return r.tag != "" }

func (r VersionRef) IsRange() bool { return r.isRange }

// IsResolved reports whether the ref contains only concrete integers.
func (r VersionRef) IsResolved() bool {
	return !r.IsZero() && !r.head && r.tag == ""
}

func (r VersionRef) Tag() string { return r.tag }

// Version returns the concrete version of a single-version ref.
func (r VersionRef) Version() int64 { return r.version }

// StartVersion returns the inclusive lower bound of a range ref.
func (r VersionRef) StartVersion() int64 { return r.start }

// EndVersion returns the exclusive upper bound of a range ref.
func (r VersionRef) EndVersion() int64 { return r.end }

func (r VersionRef) String() string {
	switch {
	case r.head:
		return headAlias
	case r.isRange:
		return fmt.Sprintf("%d..%d", r.start, r.end)
	case r.tag != "":
		return r.tag
	default:
		return strconv.FormatInt(r.version, 10)
	}
}

// ParseVersionRef parses the wire representation produced by String.
func ParseVersionRef(s string) (VersionRef, error) {
	if s == "" {
		return VersionRef{}, fmt.Errorf("empty version ref")
	}
	if s == headAlias {
		return NewHead(), nil
	}
	if strings.Contains(s, "..") {
		parts := strings.SplitN(s, "..", 2)
		start, err1 := strconv.ParseInt(parts[0], 10, 64)
		end, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return VersionRef{}, fmt.Errorf("invalid version range %q", s)
		}
		if end <= start {
			return VersionRef{}, fmt.Errorf("invalid version range %q: end must be greater than start", s)
		}
		return NewRange(start, end), nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v < 0 {
			return VersionRef{}, fmt.Errorf("invalid version %q", s)
		}
		return NewVersion(v), nil
	}
	return NewTag(s), nil
}

func (r VersionRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *VersionRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVersionRef(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
