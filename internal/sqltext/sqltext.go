// Package sqltext inspects SQL statement text without a database: it
// normalizes queries for cache keys, classifies reads, and extracts the
// tables and columns that plan analysis and index advice work on.
package sqltext

import (
	"fmt"
	"strings"
)

// Info is what could be recovered from a statement's text.
type Info struct {
	// Tables lists referenced tables in first-seen order.
	Tables []string

	// Aliases maps every alias (and each table name itself) to its table.
	Aliases map[string]string

	// FilterColumns maps table to columns used in WHERE, HAVING, ORDER BY
	// and GROUP BY clauses.
	FilterColumns map[string][]string

	// JoinColumns maps table to columns used in JOIN ... ON conditions.
	JoinColumns map[string][]string

	FullText bool
	HasLimit bool
}

// Resolve returns the table an alias or table name refers to.
func (in *Info) Resolve(name string) string {
	if t, ok := in.Aliases[name]; ok {
		return t
	}
	if t, ok := in.Aliases[strings.ToLower(name)]; ok {
		return t
	}
	return name
}

var mutations = map[string]bool{
	"insert": true, "update": true, "delete": true, "replace": true, "merge": true,
	"upsert": true, "create": true, "drop": true, "alter": true, "truncate": true,
	"grant": true, "revoke": true, "attach": true, "detach": true, "vacuum": true,
	"reindex": true, "copy": true, "call": true, "lock": true, "comment": true,
}

// Normalize renders a statement in a canonical form: comments removed,
// keywords and unquoted identifiers lowercased, whitespace collapsed and any
// trailing semicolon dropped. Literal values are preserved.
func Normalize(query string) string {
	toks := tokenize(query)
	for len(toks) > 0 && toks[len(toks)-1].is(tokPunct, ";") {
		toks = toks[:len(toks)-1]
	}

	parts := make([]string, len(toks))
	for i, t := range toks {
		switch t.kind {
		case tokString:
			parts[i] = "'" + strings.ReplaceAll(t.text, "'", "''") + "'"
		case tokQuoted:
			parts[i] = `"` + t.text + `"`
		default:
			parts[i] = t.text
		}
	}
	return strings.Join(parts, " ")
}

func firstWord(toks []token) string {
	for _, t := range toks {
		if t.kind == tokWord {
			return t.text
		}
		if !t.is(tokPunct, "(") {
			return ""
		}
	}
	return ""
}

// IsReadOnly reports whether a statement is a pure read: it starts with a
// read keyword and contains no mutation keyword anywhere (so CTEs wrapping a
// DELETE and SELECT ... FOR UPDATE are not reads).
func IsReadOnly(query string) bool {
	toks := tokenize(query)
	switch firstWord(toks) {
	case "select", "with", "values", "explain", "show":
	default:
		return false
	}

	for i, t := range toks {
		if t.kind != tokWord || !mutations[t.text] {
			continue
		}
		// replace(), lock() and friends as function calls are fine.
		if i+1 < len(toks) && toks[i+1].is(tokPunct, "(") {
			continue
		}
		return false
	}
	return true
}

// ReturnsRows reports whether a statement produces a result set.
func ReturnsRows(query string) bool {
	toks := tokenize(query)
	switch firstWord(toks) {
	case "select", "with", "values", "explain", "show", "pragma":
		return true
	}
	for _, t := range toks {
		if t.is(tokWord, "returning") {
			return true
		}
	}
	return false
}

var ftsFunctions = map[string]bool{
	"to_tsquery": true, "plainto_tsquery": true, "phraseto_tsquery": true,
	"websearch_to_tsquery": true,
}

type clause int

const (
	clauseOther clause = iota
	clauseSelect
	clauseFilter
	clauseJoin
)

type scope struct {
	state   clause
	current string
}

// Parse extracts tables, aliases and filter/join columns from a statement.
// Unqualified columns are attributed to the first table of the innermost
// enclosing FROM/UPDATE/INTO clause.
func Parse(query string) *Info {
	toks := tokenize(query)
	info := &Info{
		Aliases:       make(map[string]string),
		FilterColumns: make(map[string][]string),
		JoinColumns:   make(map[string][]string),
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.is(tokPunct, "@@") {
			info.FullText = true
			continue
		}
		if t.kind != tokWord {
			continue
		}
		switch {
		case t.text == "from" || t.text == "join" || t.text == "update" || t.text == "into":
			i = info.readTableRefs(toks, i+1, t.text == "from")
		case t.text == "match":
			info.FullText = true
		case ftsFunctions[t.text]:
			info.FullText = true
		case t.text == "limit" || t.text == "fetch":
			info.HasLimit = true
		}
	}

	info.collectColumns(toks)
	return info
}

// readName reads a possibly schema-qualified name starting at i and returns
// its last part and the index after it.
func readName(toks []token, i int) (string, int) {
	name := toks[i].text
	i++
	for i+1 < len(toks) && toks[i].is(tokPunct, ".") && isIdent(toks[i+1]) {
		name = toks[i+1].text
		i += 2
	}
	return name, i
}

// readTableRefs records the table references starting at i and returns the
// index of the last token consumed.
func (in *Info) readTableRefs(toks []token, i int, list bool) int {
	for i < len(toks) && isIdent(toks[i]) {
		table, next := readName(toks, i)
		in.addTable(table)
		i = next

		if i < len(toks) && toks[i].is(tokWord, "as") {
			i++
		}
		if i < len(toks) && isIdent(toks[i]) {
			in.Aliases[toks[i].text] = table
			i++
		}
		if !list || i >= len(toks) || !toks[i].is(tokPunct, ",") {
			break
		}
		i++
	}
	return i - 1
}

func (in *Info) addTable(table string) {
	if _, seen := in.Aliases[table]; !seen {
		in.Tables = append(in.Tables, table)
	}
	in.Aliases[table] = table
}

func (in *Info) collectColumns(toks []token) {
	var (
		cur           = scope{state: clauseOther}
		stack         []scope
		selectAliases = make(map[string]bool)
	)
	if len(in.Tables) > 0 {
		cur.current = in.Tables[0]
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]

		if t.kind == tokPunct {
			switch t.text {
			case "(":
				stack = append(stack, cur)
			case ")":
				if len(stack) > 0 {
					cur = stack[len(stack)-1]
					stack = stack[:len(stack)-1]
				}
			}
			continue
		}

		if t.kind == tokWord && keywords[t.text] {
			switch t.text {
			case "select":
				cur.state = clauseSelect
			case "where", "having":
				cur.state = clauseFilter
			case "on":
				cur.state = clauseJoin
			case "order", "group":
				if i+1 < len(toks) && toks[i+1].is(tokWord, "by") {
					cur.state = clauseFilter
					i++
				}
			case "as":
				if cur.state == clauseSelect && i+1 < len(toks) && isIdent(toks[i+1]) {
					selectAliases[toks[i+1].text] = true
					i++
				}
			case "from", "update", "into":
				cur.state = clauseOther
				if i+1 < len(toks) && isIdent(toks[i+1]) {
					name, _ := readName(toks, i+1)
					cur.current = in.Resolve(name)
				}
			case "and", "or", "not", "in", "is", "null", "like", "ilike", "glob", "regexp",
				"between", "exists", "asc", "desc", "nulls", "first", "last", "collate",
				"nocase", "escape", "true", "false", "match", "case", "when", "then", "else",
				"end", "any", "some", "cast", "similar", "current_timestamp", "current_date",
				"current_time", "distinct", "all":
				// operators and literals keep the current clause
			default:
				cur.state = clauseOther
			}
			continue
		}

		if !isIdent(t) {
			continue
		}
		if i > 0 && toks[i-1].is(tokPunct, "::") {
			continue
		}

		qualifier := ""
		col := t.text
		j := i + 1
		for j+1 < len(toks) && toks[j].is(tokPunct, ".") && (isIdent(toks[j+1]) || toks[j+1].is(tokPunct, "*")) {
			qualifier = col
			col = toks[j+1].text
			j += 2
		}
		i = j - 1

		if j < len(toks) && toks[j].is(tokPunct, "(") {
			continue
		}

		var target map[string][]string
		switch cur.state {
		case clauseFilter:
			target = in.FilterColumns
		case clauseJoin:
			target = in.JoinColumns
		default:
			continue
		}

		if col == "*" {
			continue
		}
		table := cur.current
		if qualifier != "" {
			table = in.Resolve(qualifier)
		} else if selectAliases[col] {
			continue
		} else if _, isTable := in.Aliases[col]; isTable {
			continue
		}
		if table == "" {
			continue
		}
		addColumn(target, table, col)
	}
}

func addColumn(m map[string][]string, table, col string) {
	for _, c := range m[table] {
		if c == col {
			return
		}
	}
	m[table] = append(m[table], col)
}

// HasBooleanOperators reports whether a full-text query's search terms, in
// string literals or string parameters, use boolean or phrase operators.
func HasBooleanOperators(query string, params []any) bool {
	var terms []string
	for _, t := range tokenize(query) {
		if t.kind == tokString {
			terms = append(terms, t.text)
		}
	}
	for _, p := range params {
		switch v := p.(type) {
		case string:
			terms = append(terms, v)
		case []byte:
			terms = append(terms, string(v))
		case fmt.Stringer:
			terms = append(terms, v.String())
		}
	}

	for _, term := range terms {
		padded := " " + term + " "
		for _, op := range []string{" AND ", " OR ", " NOT ", " NEAR", "&", "|", "!", `"`, "*"} {
			if strings.Contains(padded, op) {
				return true
			}
		}
	}
	return false
}
