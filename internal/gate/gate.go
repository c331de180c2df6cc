// Package gate is the admission gate: pure, deterministic validation and
// normalization of incoming instructions. It rejects early, before any
// planner cost, and produces the normalized form the plan cache fingerprints.
package gate

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/haricheung/deskpilot/internal/types"
)

// DefaultMaxLen is the instruction length cap in code points, applied after
// trimming, when no override is configured.
const DefaultMaxLen = 10_000

// Admitted carries both forms of an accepted instruction forward: the
// original for display and the planner prompt, the normalized for
// fingerprinting and cache lookup.
type Admitted struct {
	Original   string
	Normalized string
}

// Gate validates instructions. The zero value is not usable; construct with New.
type Gate struct {
	maxLen     int
	disallowed func(rune) bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxLen overrides the instruction length cap (code points, post-trim).
func WithMaxLen(n int) Option {
	return func(g *Gate) { g.maxLen = n }
}

// WithDisallowed overrides the disallowed-codepoint predicate.
func WithDisallowed(fn func(rune) bool) Option {
	return func(g *Gate) { g.disallowed = fn }
}

// New creates a Gate with the default length cap and a disallowed set that
// blocks control characters (tab, LF, and CR are permitted; normalization
// collapses them with the rest of the whitespace).
func New(opts ...Option) *Gate {
	g := &Gate{
		maxLen:     DefaultMaxLen,
		disallowed: defaultDisallowed,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func defaultDisallowed(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

// Admit validates instruction and returns its admitted forms, or a
// *types.RejectError. Rules apply in order; the first failure wins:
//
//  1. trim — empty result is rejected
//  2. length cap in code points
//  3. normalized form must contain at least one letter or digit
//  4. no codepoint from the disallowed set
//
// Expectations:
//   - Pure: no I/O, deterministic for a given input
//   - Instructions differing only in case, surrounding or internal
//     whitespace, or punctuation yield the same Normalized form
//   - An instruction of exactly the cap length is admitted; cap+1 is not
func (g *Gate) Admit(instruction string) (Admitted, error) {
	trimmed := strings.TrimSpace(instruction)
	if trimmed == "" {
		return Admitted{}, &types.RejectError{Reason: types.RejectEmpty}
	}
	if utf8.RuneCountInString(trimmed) > g.maxLen {
		return Admitted{}, &types.RejectError{
			Reason: types.RejectTooLong,
			Detail: "instruction exceeds length cap",
		}
	}
	normalized := Normalize(trimmed)
	if !hasContent(normalized) {
		return Admitted{}, &types.RejectError{Reason: types.RejectNoContent}
	}
	for _, r := range trimmed {
		if g.disallowed(r) {
			return Admitted{}, &types.RejectError{
				Reason: types.RejectForbidden,
				Detail: "instruction contains a disallowed character",
			}
		}
	}
	return Admitted{Original: trimmed, Normalized: normalized}, nil
}

// Normalize lowercases s, strips punctuation and symbols, and collapses all
// whitespace runs to single spaces. Two logically equivalent instructions
// normalize to the same string.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
		// Punctuation, symbols, and control runes are dropped.
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// hasContent reports whether s contains at least one letter (including CJK)
// or digit codepoint.
func hasContent(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
