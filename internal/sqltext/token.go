package sqltext

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

// tokenize splits a SQL statement into tokens. Comments are dropped, unquoted
// words are lowercased and quoted identifiers keep their case. It never fails:
// unterminated literals run to the end of input.
func tokenize(s string) []token {
	var toks []token
	r := []rune(s)
	n := len(r)

	for i := 0; i < n; {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '-' && i+1 < n && r[i+1] == '-':
			for i < n && r[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && r[i+1] == '*':
			i += 2
			for i < n && !(r[i] == '*' && i+1 < n && r[i+1] == '/') {
				i++
			}
			i += 2

		case c == '\'':
			var b strings.Builder
			i++
			for i < n {
				if r[i] == '\'' {
					if i+1 < n && r[i+1] == '\'' {
						b.WriteRune('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteRune(r[i])
				i++
			}
			toks = append(toks, token{tokString, b.String()})

		case c == '"' || c == '`' || c == '[':
			closing := c
			if c == '[' {
				closing = ']'
			}
			start := i + 1
			i = start
			for i < n && r[i] != closing {
				i++
			}
			toks = append(toks, token{tokQuoted, string(r[start:min(i, n)])})
			i++

		case unicode.IsDigit(c):
			start := i
			for i < n && (unicode.IsDigit(r[i]) || r[i] == '.' || r[i] == 'e' || r[i] == 'E') {
				i++
			}
			toks = append(toks, token{tokNumber, string(r[start:i])})

		case c == '?':
			start := i
			i++
			for i < n && unicode.IsDigit(r[i]) {
				i++
			}
			toks = append(toks, token{tokParam, string(r[start:i])})

		case c == '$' && i+1 < n && unicode.IsDigit(r[i+1]):
			start := i
			i++
			for i < n && unicode.IsDigit(r[i]) {
				i++
			}
			toks = append(toks, token{tokParam, string(r[start:i])})

		case (c == ':' || c == '@') && i+1 < n && isWordStart(r[i+1]):
			start := i
			i++
			for i < n && isWordPart(r[i]) {
				i++
			}
			toks = append(toks, token{tokParam, string(r[start:i])})

		case isWordStart(c):
			start := i
			for i < n && isWordPart(r[i]) {
				i++
			}
			toks = append(toks, token{tokWord, strings.ToLower(string(r[start:i]))})

		default:
			if i+1 < n {
				if op := string(r[i : i+2]); isTwoCharOp(op) {
					toks = append(toks, token{tokPunct, op})
					i += 2
					continue
				}
			}
			toks = append(toks, token{tokPunct, string(c)})
			i++
		}
	}
	return toks
}

func isWordStart(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

func isWordPart(c rune) bool {
	return c == '_' || c == '$' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

func isTwoCharOp(op string) bool {
	switch op {
	case "<=", ">=", "<>", "!=", "==", "||", "::", "@@", "->":
		return true
	}
	return false
}

// keywords are words that never name a column or table.
var keywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true, "not": true,
	"in": true, "is": true, "null": true, "like": true, "ilike": true, "glob": true,
	"regexp": true, "between": true, "exists": true, "as": true, "on": true, "using": true,
	"join": true, "left": true, "right": true, "inner": true, "outer": true, "cross": true,
	"natural": true, "full": true, "order": true, "group": true, "by": true, "having": true,
	"limit": true, "offset": true, "fetch": true, "union": true, "all": true, "distinct": true,
	"except": true, "intersect": true, "insert": true, "into": true, "values": true,
	"update": true, "set": true, "delete": true, "replace": true, "returning": true,
	"create": true, "drop": true, "alter": true, "table": true, "index": true, "view": true,
	"if": true, "case": true, "when": true, "then": true, "else": true, "end": true,
	"asc": true, "desc": true, "nulls": true, "first": true, "last": true, "collate": true,
	"nocase": true, "escape": true, "true": true, "false": true, "default": true,
	"with": true, "recursive": true, "match": true, "indexed": true, "conflict": true,
	"do": true, "nothing": true, "over": true, "partition": true, "window": true,
	"any": true, "some": true, "cast": true, "explain": true, "pragma": true,
	"lateral": true, "similar": true, "for": true, "current_timestamp": true,
	"current_date": true, "current_time": true, "truncate": true, "merge": true,
}

func isIdent(t token) bool {
	if t.kind == tokQuoted {
		return true
	}
	return t.kind == tokWord && !keywords[t.text]
}
