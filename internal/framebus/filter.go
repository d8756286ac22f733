package framebus

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nugget/gateway-rust-go/internal/frame"
)

// FilterKind discriminates the Filter union.
type FilterKind int

const (
	FilterAll FilterKind = iota
	FilterKindOf
	FilterTagPrefix
	FilterTagRegex
	FilterAnd
	FilterOr
)

// Filter is the subscription-side predicate algebra from §4.2.4: All,
// Kind, TagPrefix, TagRegex, And, Or. Evaluated against the envelope's
// kind and (lazily) its decoded tag.
type Filter struct {
	kind     FilterKind
	frameK   frame.FrameKind
	prefix   string
	re       *regexp.Regexp
	children []Filter
}

// All matches every envelope.
func All() Filter { return Filter{kind: FilterAll} }

// KindOf matches envelopes of exactly the given frame kind.
func KindOf(k frame.FrameKind) Filter { return Filter{kind: FilterKindOf, frameK: k} }

// DataOnly matches only data frames.
func DataOnly() Filter { return KindOf(frame.KindData) }

// CmdOnly matches only command frames.
func CmdOnly() Filter { return KindOf(frame.KindCmd) }

// CmdAckOnly matches only command-ack frames.
func CmdAckOnly() Filter { return KindOf(frame.KindCmdAck) }

// TagStartsWith matches frames whose tag has the given prefix.
func TagStartsWith(prefix string) Filter { return Filter{kind: FilterTagPrefix, prefix: prefix} }

// TagMatches compiles pattern and matches frames whose tag satisfies it.
// Invalid patterns fail subscription creation per §4.2.4, surfaced here
// as ErrInvalidFilter.
func TagMatches(pattern string) (Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return Filter{kind: FilterTagRegex, re: re}, nil
}

// And matches only when every child filter matches.
func And(filters ...Filter) Filter { return Filter{kind: FilterAnd, children: filters} }

// Or matches when any child filter matches.
func Or(filters ...Filter) Filter { return Filter{kind: FilterOr, children: filters} }

// Matches evaluates the filter against env, decoding the tag only when a
// tag-based predicate actually needs it (the envelope's Tag() method
// caches the decode per §4.2.4's allowance).
func (f Filter) Matches(env frame.Envelope) bool {
	switch f.kind {
	case FilterAll:
		return true
	case FilterKindOf:
		return env.Kind == f.frameK
	case FilterTagPrefix:
		tag, err := env.Tag()
		if err != nil {
			return false
		}
		return strings.HasPrefix(tag, f.prefix)
	case FilterTagRegex:
		tag, err := env.Tag()
		if err != nil {
			return false
		}
		return f.re.MatchString(tag)
	case FilterAnd:
		for _, c := range f.children {
			if !c.Matches(env) {
				return false
			}
		}
		return true
	case FilterOr:
		for _, c := range f.children {
			if c.Matches(env) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
