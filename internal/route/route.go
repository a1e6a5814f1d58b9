// Package route resolves {name} placeholders inside path-like strings such as
// blob paths, queue names and table keys.
//
// A placeholder is any text between an opening and the next closing brace.
// The name is not validated, so "{}" is a legal (empty) name.
package route

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnclosedBrace is returned when a pattern contains '{' without a
	// matching '}'.
	ErrUnclosedBrace = errors.New("route: unclosed '{' in pattern")

	// ErrMissingValue is returned by ApplyNames when a placeholder has no
	// value in the supplied dictionary.
	ErrMissingValue = errors.New("route: no value for placeholder")
)

// ApplyNames replaces every {name} in pattern with names[name]. A name
// missing from the dictionary is an error.
func ApplyNames(pattern string, names map[string]string) (string, error) {
	return apply(pattern, names, false)
}

// ApplyNamesPartial is the tolerant form of ApplyNames: unbound names keep
// their {name} text. Use it only for descriptions and diagnostics.
func ApplyNamesPartial(pattern string, names map[string]string) string {
	out, err := apply(pattern, names, true)
	if err != nil {
		return pattern
	}
	return out
}

func apply(pattern string, names map[string]string, tolerant bool) (string, error) {
	var sb strings.Builder
	sb.Grow(len(pattern))

	i := 0
	for i < len(pattern) {
		open := strings.IndexByte(pattern[i:], '{')
		if open < 0 {
			sb.WriteString(pattern[i:])
			break
		}
		open += i
		sb.WriteString(pattern[i:open])

		end := strings.IndexByte(pattern[open+1:], '}')
		if end < 0 {
			return "", errors.Wrapf(ErrUnclosedBrace, "pattern %q, position %d", pattern, open)
		}
		end += open + 1

		name := pattern[open+1 : end]
		value, ok := names[name]
		switch {
		case ok:
			sb.WriteString(value)
		case tolerant:
			sb.WriteString(pattern[open : end+1])
		default:
			return "", errors.Wrapf(ErrMissingValue, "%q in pattern %q", name, pattern)
		}
		i = end + 1
	}
	return sb.String(), nil
}

// ParameterNames returns the placeholder names of pattern in order of
// appearance. Duplicates are kept.
func ParameterNames(pattern string) ([]string, error) {
	var names []string
	for _, tok := range tokenize(pattern) {
		if tok.err != nil {
			return nil, tok.err
		}
		if tok.param {
			names = append(names, tok.text)
		}
	}
	return names, nil
}

// HasParameterNames reports whether pattern contains at least one
// placeholder. Malformed patterns report false.
func HasParameterNames(pattern string) bool {
	names, err := ParameterNames(pattern)
	return err == nil && len(names) > 0
}

// Match extracts placeholder values from actual according to pattern, e.g.
// Match("input/{name}.csv", "input/bob.csv") yields {name: "bob"}. Literal
// text must match exactly and every placeholder captures a non-empty run.
// A name that appears twice must capture the same value both times.
func Match(pattern, actual string) (map[string]string, bool) {
	var (
		expr  strings.Builder
		order []string
	)
	expr.WriteString("^")
	for _, tok := range tokenize(pattern) {
		if tok.err != nil {
			return nil, false
		}
		if tok.param {
			expr.WriteString("(.+?)")
			order = append(order, tok.text)
			continue
		}
		expr.WriteString(regexp.QuoteMeta(tok.text))
	}
	expr.WriteString("$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, false
	}
	groups := re.FindStringSubmatch(actual)
	if groups == nil {
		return nil, false
	}

	values := make(map[string]string, len(order))
	for i, name := range order {
		v := groups[i+1]
		if prev, seen := values[name]; seen && prev != v {
			return nil, false
		}
		values[name] = v
	}
	return values, true
}

type token struct {
	text  string
	param bool
	err   error
}

func tokenize(pattern string) []token {
	var toks []token
	i := 0
	for i < len(pattern) {
		open := strings.IndexByte(pattern[i:], '{')
		if open < 0 {
			toks = append(toks, token{text: pattern[i:]})
			break
		}
		open += i
		if open > i {
			toks = append(toks, token{text: pattern[i:open]})
		}
		end := strings.IndexByte(pattern[open+1:], '}')
		if end < 0 {
			return append(toks, token{err: errors.Wrapf(ErrUnclosedBrace, "pattern %q, position %d", pattern, open)})
		}
		end += open + 1
		toks = append(toks, token{text: pattern[open+1 : end], param: true})
		i = end + 1
	}
	return toks
}
