package console

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

var (
	// ErrNoMatch means no known peer resembles the typed name.
	ErrNoMatch = errors.New("console: no such peer")

	// ErrAmbiguous means the typed prefix fits more than one peer.
	ErrAmbiguous = errors.New("console: ambiguous peer")
)

// Resolver maps what the user typed to a known PeerId.
//
// Resolution runs in three passes and stops at the first that succeeds:
//
//  1. Exact match, then a case-insensitive prefix that fits exactly one peer.
//  2. Phonetic match: peers whose Double Metaphone codes overlap the input's,
//     ranked by Jaro-Winkler similarity above the phonetic threshold.
//  3. Fuzzy match: pure Jaro-Winkler similarity above the higher fuzzy
//     threshold.
//
// A Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// ResolverOption configures a [Resolver].
type ResolverOption func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phonetic
// candidate. Default 0.70.
func WithPhoneticThreshold(t float64) ResolverOption {
	return func(r *Resolver) { r.phoneticThreshold = t }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a candidate
// with no phonetic overlap. Default 0.85.
func WithFuzzyThreshold(t float64) ResolverOption {
	return func(r *Resolver) { r.fuzzyThreshold = t }
}

// NewResolver returns a Resolver with the given options applied.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the peer in peers that input names.
func (r *Resolver) Resolve(input string, peers []string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrNoMatch
	}
	lower := strings.ToLower(input)

	var prefixed []string
	for _, p := range peers {
		if p == input {
			return p, nil
		}
		if strings.HasPrefix(strings.ToLower(p), lower) {
			prefixed = append(prefixed, p)
		}
	}
	switch len(prefixed) {
	case 0:
	case 1:
		return prefixed[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %s", ErrAmbiguous, input, strings.Join(prefixed, ", "))
	}

	inputCodes := metaphoneCodes(lower)
	var (
		best      string
		bestScore float64
		phonetic  bool
	)
	for _, p := range peers {
		pl := strings.ToLower(p)
		score := matchr.JaroWinkler(lower, pl, false)
		if overlaps(inputCodes, metaphoneCodes(pl)) {
			if score >= r.phoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = p, score, true
			}
			continue
		}
		if !phonetic && score >= r.fuzzyThreshold && score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %q", ErrNoMatch, input)
	}
	return best, nil
}

func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, alt := matchr.DoubleMetaphone(s)
	if p != "" {
		codes[p] = struct{}{}
	}
	if alt != "" {
		codes[alt] = struct{}{}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
