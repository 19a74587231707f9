package dialect

import (
	"regexp"
	"strings"
)

// mask returns s with every byte inside a string literal, quoted
// identifier or parenthesized group replaced by '_'. The outermost parens
// are kept. Keyword searches on the mask only hit depth-zero SQL.
func mask(s string) string {
	b := []byte(s)
	depth := 0
	var quote byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case quote != 0:
			if c == quote {
				if i+1 < len(b) && b[i+1] == quote {
					b[i] = '_'
					b[i+1] = '_'
					i++
					continue
				}
				quote = 0
				if depth > 0 {
					b[i] = '_'
				}
				continue
			}
			b[i] = '_'
		case c == '\'' || c == '"':
			quote = c
			if depth > 0 {
				b[i] = '_'
			}
		case c == '(':
			if depth > 0 {
				b[i] = '_'
			}
			depth++
		case c == ')':
			depth--
			if depth > 0 {
				b[i] = '_'
			}
		default:
			if depth > 0 {
				b[i] = '_'
			}
		}
	}
	return string(b)
}

// closeParen returns the index of the paren closing the one at open, or -1.
func closeParen(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(s) && s[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTop splits s on commas outside parens and quotes.
func splitTop(s string) []string {
	m := mask(s)
	var parts []string
	start := 0
	for i := 0; i < len(m); i++ {
		if m[i] == ',' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

var (
	selectRe  = regexp.MustCompile(`(?i)\bSELECT\b`)
	fromRe    = regexp.MustCompile(`(?i)\bFROM\b`)
	orderByRe = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	clauseEnd = regexp.MustCompile(`(?i)\b(?:LIMIT|OFFSET|FETCH|UNION|INTERSECT|EXCEPT)\b|;`)
	aliasRe   = regexp.MustCompile(`(?is)\bAS\s+("?)(\w+)("?)\s*$`)
	columnRe  = regexp.MustCompile(`^\s*(?:\w+\.)*"?(\w+)"?\s*$`)
)

// mainSelectList locates the select list of the outermost SELECT, skipping
// any CTEs. It returns the list bounds.
func mainSelectList(sql string) (start, end int, ok bool) {
	m := mask(sql)
	loc := selectRe.FindStringIndex(m)
	if loc == nil {
		return 0, 0, false
	}
	from := fromRe.FindStringIndex(m[loc[1]:])
	if from == nil {
		return loc[1], len(sql), true
	}
	return loc[1], loc[1] + from[0], true
}

// itemAlias returns the output name of a select item, or "".
func itemAlias(item string) string {
	if m := aliasRe.FindStringSubmatch(item); m != nil {
		return strings.ToLower(m[2])
	}
	if m := columnRe.FindStringSubmatch(item); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// selectAliases returns the output names of the outermost SELECT.
func selectAliases(sql string) map[string]bool {
	out := make(map[string]bool)
	start, end, ok := mainSelectList(sql)
	if !ok {
		return out
	}
	for _, item := range splitTop(sql[start:end]) {
		if a := itemAlias(item); a != "" {
			out[a] = true
		}
	}
	return out
}

// mainOrderBy locates the ORDER BY list of the outermost query.
func mainOrderBy(sql string) (start, end int, ok bool) {
	m := mask(sql)
	sel := selectRe.FindStringIndex(m)
	if sel == nil {
		return 0, 0, false
	}
	locs := orderByRe.FindAllStringIndex(m[sel[1]:], -1)
	if len(locs) == 0 {
		return 0, 0, false
	}
	start = sel[1] + locs[len(locs)-1][1]
	end = len(sql)
	if e := clauseEnd.FindStringIndex(m[start:]); e != nil {
		end = start + e[0]
	}
	return start, end, true
}

// callRe matches "name(" as a whole word, case-insensitively.
func callRe(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\s*\(`)
}

// funcCall finds the first call matched by re at or after from. It returns
// the bounds of the call and of its argument text.
func funcCall(sql string, re *regexp.Regexp, from int) (callStart, argStart, argEnd, callEnd int, ok bool) {
	loc := re.FindStringIndex(sql[from:])
	if loc == nil {
		return 0, 0, 0, 0, false
	}
	open := from + loc[1] - 1
	closeAt := closeParen(sql, open)
	if closeAt < 0 {
		return 0, 0, 0, 0, false
	}
	return from + loc[0], open + 1, closeAt, closeAt + 1, true
}
