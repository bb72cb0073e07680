// Package normalize folds company names into a canonical comparison key.
//
// Pipeline order
//  1. Lower-case and trim
//  2. Unicode NFD, strip combining marks, recompose
//  3. Drop everything outside [a-z0-9] and whitespace
//  4. Collapse whitespace runs to a single space
//  5. Strip trailing legal-entity suffix tokens, including ones spelled
//     letter by letter, and trim again
package normalize

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are matched after punctuation removal, so "S.L.U." arrives as "slu".
var legalSuffixes = makeSet(
	"sl", "sa", "slu", "sau", "sas", "sarl", "srl", "spa",
	"inc", "incorporated", "ltd", "limited", "gmbh", "ag",
	"corp", "corporation", "co", "llc", "llp", "lp", "plc",
	"bv", "nv", "ab", "oy", "aps", "pty",
)

func makeSet(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

// fresh transformer chains; transform.Chain is stateful.
var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFD,
			runes.Remove(runes.In(unicode.Mn)),
			norm.NFC,
		)
	},
}

// Name returns the canonical form of a company name. It is pure and
// idempotent: Name(Name(x)) == Name(x).
func Name(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	s = strings.TrimSpace(cases.Lower(language.Und).String(s))

	tr := foldPool.Get().(transform.Transformer)
	folded, _, err := transform.String(tr, s)
	tr.Reset()
	foldPool.Put(tr)
	if err == nil {
		s = folded
	}

	s = keepASCIIWords(s)
	s = strings.Join(strings.Fields(s), " ")
	s = stripSuffixes(s)
	return strings.TrimSpace(s)
}

// Equal reports whether two names share a canonical form.
func Equal(a, b string) bool {
	return Name(a) == Name(b)
}

func keepASCIIWords(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// stripSuffixes removes trailing suffix tokens until none remain. A suffix
// spelled with spaces ("s l" from "S. L.") counts as one token. The name is
// never stripped down to nothing.
func stripSuffixes(s string) string {
	tokens := strings.Fields(s)
	for len(tokens) > 1 {
		n := suffixTail(tokens)
		if n == 0 || n >= len(tokens) {
			break
		}
		tokens = tokens[:len(tokens)-n]
	}
	return strings.Join(tokens, " ")
}

// suffixTail returns how many trailing tokens form a legal suffix, or 0.
func suffixTail(tokens []string) int {
	if _, ok := legalSuffixes[tokens[len(tokens)-1]]; ok {
		return 1
	}
	run := 0
	for i := len(tokens) - 1; i >= 0 && len(tokens[i]) == 1; i-- {
		run++
	}
	for k := run; k >= 2; k-- {
		if _, ok := legalSuffixes[strings.Join(tokens[len(tokens)-k:], "")]; ok {
			return k
		}
	}
	return 0
}
