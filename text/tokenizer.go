// Package text turns raw questions and schema names into token streams.
package text

import (
	"strings"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

// Pretokenization splits on letter runs, digit groups and punctuation.
// The trailing whitespace alternates need lookahead, hence regexp2.
const pretokenPattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`

type Tokenizer struct {
	pretoken *regexp2.Regexp
	lower    bool
}

type TokenizerOption func(*Tokenizer)

// KeepCase disables the default lowercasing.
func KeepCase() TokenizerOption {
	return func(t *Tokenizer) {
		t.lower = false
	}
}

func NewTokenizer(opts ...TokenizerOption) *Tokenizer {
	t := &Tokenizer{
		pretoken: regexp2.MustCompile(pretokenPattern, regexp2.None),
		lower:    true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tokenize normalizes s to NFKC and splits it into word-level tokens.
// Whitespace-only pretokens are dropped.
func (t *Tokenizer) Tokenize(s string) []string {
	s = norm.NFKC.String(s)
	if t.lower {
		s = strings.ToLower(s)
	}

	var toks []string
	m, err := t.pretoken.FindStringMatch(s)
	for err == nil && m != nil {
		if tok := strings.TrimSpace(m.String()); tok != "" {
			toks = append(toks, tok)
		}
		m, err = t.pretoken.FindNextMatch(m)
	}
	return toks
}

// SplitName breaks a schema identifier like "singer_id" or "SongName"
// into lowercase word tokens.
func SplitName(name string) []string {
	var words []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}

	var prevLower bool
	for _, r := range name {
		switch {
		case r == '_' || r == ' ' || r == '-' || r == '.':
			flush()
			prevLower = false
		case r >= 'A' && r <= 'Z':
			if prevLower {
				flush()
			}
			cur.WriteRune(r)
			prevLower = false
		default:
			cur.WriteRune(r)
			prevLower = r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		}
	}
	flush()
	return words
}
