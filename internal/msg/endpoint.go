// Package msg implements the messaging fabric data model: endpoints,
// the message envelope, the self-describing type catalog, and the wire
// codec with optional frame encryption.
package msg

import (
	"errors"
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// Endpoint Schemes
// -------------------------------------------------------------------------

// Scheme identifies the addressing scheme of an endpoint.
type Scheme uint8

const (
	// SchemeNone is the zero value for an unset endpoint.
	SchemeNone Scheme = iota

	// SchemePhysical addresses exactly one router instance
	// (physical://root/hub/leaf, up to three path segments).
	SchemePhysical

	// SchemeLogical addresses a service that may be served by many
	// router instances (logical://a/b/..., optional trailing wildcard).
	SchemeLogical
)

// String returns the URI scheme prefix for the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemePhysical:
		return "physical"
	case SchemeLogical:
		return "logical"
	default:
		return "none"
	}
}

// DetachedRoot is the sentinel root segment meaning "no uplink".
// A hub whose root segment equals DetachedRoot never establishes an
// uplink connection.
const DetachedRoot = "detached"

// Wildcard is the logical endpoint segment matching one or more
// trailing segments.
const Wildcard = "*"

// maxPhysicalSegments bounds physical endpoints to root/hub/leaf.
const maxPhysicalSegments = 3

// Endpoint parse errors.
var (
	// ErrBadEndpoint indicates the endpoint URI is malformed.
	ErrBadEndpoint = errors.New("malformed endpoint")

	// ErrBadScheme indicates an unknown endpoint scheme.
	ErrBadScheme = errors.New("endpoint scheme must be physical or logical")

	// ErrTooManySegments indicates a physical endpoint with more than
	// three path segments.
	ErrTooManySegments = errors.New("physical endpoint exceeds root/hub/leaf depth")

	// ErrWildcardPlacement indicates a wildcard segment anywhere but the
	// trailing position, or a wildcard inside a physical endpoint.
	ErrWildcardPlacement = errors.New("wildcard only valid as the last logical segment")
)

// -------------------------------------------------------------------------
// EP — immutable endpoint value
// -------------------------------------------------------------------------

// EP is an immutable messaging endpoint. The zero value is the unset
// endpoint (IsZero reports true). Equality is case-insensitive; EPs are
// canonicalized to lower case at parse time.
type EP struct {
	scheme   Scheme
	segments []string
	wildcard bool
	text     string
}

// ParseEP parses a physical:// or logical:// endpoint URI.
//
// Physical endpoints carry one to three segments (root, root/hub,
// root/hub/leaf). The root segment may be a DNS-resolvable host name.
// Logical endpoints carry any number of segments and may end with a
// single "*" wildcard matching one or more trailing segments.
func ParseEP(s string) (EP, error) {
	var scheme Scheme
	var rest string

	switch {
	case strings.HasPrefix(strings.ToLower(s), "physical://"):
		scheme = SchemePhysical
		rest = s[len("physical://"):]
	case strings.HasPrefix(strings.ToLower(s), "logical://"):
		scheme = SchemeLogical
		rest = s[len("logical://"):]
	default:
		return EP{}, fmt.Errorf("parse endpoint %q: %w", s, ErrBadScheme)
	}

	rest = strings.Trim(rest, "/")
	if rest == "" {
		return EP{}, fmt.Errorf("parse endpoint %q: empty path: %w", s, ErrBadEndpoint)
	}

	segments := strings.Split(strings.ToLower(rest), "/")
	wildcard := false

	for i, seg := range segments {
		if seg == "" {
			return EP{}, fmt.Errorf("parse endpoint %q: empty segment: %w", s, ErrBadEndpoint)
		}
		if seg == Wildcard {
			if scheme == SchemePhysical {
				return EP{}, fmt.Errorf("parse endpoint %q: %w", s, ErrWildcardPlacement)
			}
			if i != len(segments)-1 {
				return EP{}, fmt.Errorf("parse endpoint %q: %w", s, ErrWildcardPlacement)
			}
			wildcard = true
		}
	}

	if scheme == SchemePhysical && len(segments) > maxPhysicalSegments {
		return EP{}, fmt.Errorf("parse endpoint %q: %d segments: %w",
			s, len(segments), ErrTooManySegments)
	}

	if wildcard {
		segments = segments[:len(segments)-1]
	}

	return EP{
		scheme:   scheme,
		segments: segments,
		wildcard: wildcard,
		text:     buildText(scheme, segments, wildcard),
	}, nil
}

// MustEP parses s and panics on error. For package-level endpoint
// constants and tests.
func MustEP(s string) EP {
	ep, err := ParseEP(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// buildText renders the canonical lower-case URI form.
func buildText(scheme Scheme, segments []string, wildcard bool) string {
	var b strings.Builder
	b.WriteString(scheme.String())
	b.WriteString("://")
	b.WriteString(strings.Join(segments, "/"))
	if wildcard {
		if len(segments) > 0 {
			b.WriteByte('/')
		}
		b.WriteString(Wildcard)
	}
	return b.String()
}

// DetachedEP is the sentinel physical root endpoint meaning "no uplink".
var DetachedEP = MustEP("physical://" + DetachedRoot)

// LogicalAllEP matches every logical endpoint.
var LogicalAllEP = MustEP("logical://*")

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// IsZero reports whether the endpoint is unset.
func (e EP) IsZero() bool { return e.scheme == SchemeNone }

// Scheme returns the endpoint scheme.
func (e EP) Scheme() Scheme { return e.scheme }

// IsPhysical reports whether the endpoint uses the physical scheme.
func (e EP) IsPhysical() bool { return e.scheme == SchemePhysical }

// IsLogical reports whether the endpoint uses the logical scheme.
func (e EP) IsLogical() bool { return e.scheme == SchemeLogical }

// IsWildcard reports whether the endpoint ends in a wildcard segment.
func (e EP) IsWildcard() bool { return e.wildcard }

// Segments returns the canonical path segments, excluding any wildcard.
// The returned slice must not be mutated.
func (e EP) Segments() []string { return e.segments }

// SegmentCount returns the number of non-wildcard path segments.
func (e EP) SegmentCount() int { return len(e.segments) }

// Segment returns segment i, or "" when out of range.
func (e EP) Segment(i int) string {
	if i < 0 || i >= len(e.segments) {
		return ""
	}
	return e.segments[i]
}

// Root returns the first path segment.
func (e EP) Root() string { return e.Segment(0) }

// Hub returns the second path segment.
func (e EP) Hub() string { return e.Segment(1) }

// Leaf returns the third path segment.
func (e EP) Leaf() string { return e.Segment(2) }

// String returns the canonical URI form.
func (e EP) String() string {
	if e.IsZero() {
		return ""
	}
	return e.text
}

// Equal reports case-insensitive endpoint equality. Both endpoints were
// canonicalized at parse time, so this is a plain comparison.
func (e EP) Equal(o EP) bool {
	return e.scheme == o.scheme && e.wildcard == o.wildcard && e.text == o.text
}

// IsDetached reports whether the endpoint's root segment is the
// DETACHED sentinel.
func (e EP) IsDetached() bool {
	return e.IsPhysical() && e.Root() == DetachedRoot
}

// Parent returns the endpoint with the last segment removed. Returns
// the zero EP when only one segment remains.
func (e EP) Parent() EP {
	if len(e.segments) <= 1 || e.wildcard {
		return EP{}
	}
	segs := e.segments[:len(e.segments)-1]
	return EP{
		scheme:   e.scheme,
		segments: segs,
		text:     buildText(e.scheme, segs, false),
	}
}

// Child returns the endpoint extended by one trailing segment.
func (e EP) Child(segment string) EP {
	segment = strings.ToLower(segment)
	segs := make([]string, 0, len(e.segments)+1)
	segs = append(segs, e.segments...)
	segs = append(segs, segment)
	return EP{
		scheme:   e.scheme,
		segments: segs,
		text:     buildText(e.scheme, segs, false),
	}
}

// -------------------------------------------------------------------------
// Pattern Matching
// -------------------------------------------------------------------------

// Matches reports whether the endpoint matches the query pattern.
// Wildcards are honored on either side: a non-wildcard endpoint matches
// a wildcard query whose prefix it extends, and a wildcard endpoint
// matches any query extending its prefix. A trailing "*" matches one or
// more segments, so logical://* matches every logical endpoint.
func (e EP) Matches(query EP) bool {
	if e.scheme != query.scheme {
		return false
	}

	switch {
	case !e.wildcard && !query.wildcard:
		return len(e.segments) == len(query.segments) &&
			segmentsEqual(e.segments, query.segments)

	case e.wildcard && !query.wildcard:
		// e = prefix/*: query must extend the prefix by >= 1 segment.
		return len(query.segments) > len(e.segments) &&
			segmentsEqual(e.segments, query.segments[:len(e.segments)])

	case !e.wildcard && query.wildcard:
		return len(e.segments) > len(query.segments) &&
			segmentsEqual(query.segments, e.segments[:len(query.segments)])

	default:
		// Both wildcards: overlap when one prefix extends the other.
		short, long := e.segments, query.segments
		if len(short) > len(long) {
			short, long = long, short
		}
		return segmentsEqual(short, long[:len(short)])
	}
}

// segmentsEqual compares equal-length canonical segment slices.
func segmentsEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
