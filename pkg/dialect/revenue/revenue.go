// Package revenue enforces that revenue is always computed from
// Gross_Revenue, never from positive GL amounts.
package revenue

import (
	"regexp"
	"strings"
	"unicode"
)

// Column is the canonical revenue column.
const Column = "Gross_Revenue"

var terms = []string{"revenue", "revenues", "sales", "income", "turnover", "top line", "topline"}

// IsRevenueQuestion reports whether a question asks about revenue.
func IsRevenueQuestion(question string) bool {
	words := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	padded := " " + strings.Join(words, " ") + " "
	for _, t := range terms {
		if strings.Contains(padded, " "+t+" ") {
			return true
		}
	}
	return false
}

const (
	num     = `0(?:\.0+)?(?:\s*::\s*(?:numeric|float8?|double precision|decimal|integer|int))?`
	glCol   = `(?:(\w+)\.)?GL_Amount_in_CC(?:\s*::\s*(?:numeric|float8?|double precision|decimal))?`
	glColNC = `(?:\w+\.)?GL_Amount_in_CC(?:\s*::\s*(?:numeric|float8?|double precision|decimal))?`
)

var patterns = []*regexp.Regexp{
	// CASE WHEN GL_Amount_in_CC > 0 THEN GL_Amount_in_CC ELSE 0 END
	regexp.MustCompile(`(?is)CASE\s+WHEN\s+` + glCol + `\s*>\s*` + num + `\s+THEN\s+` + glColNC + `\s+ELSE\s+` + num + `\s+END`),
	// CASE WHEN GL_Amount_in_CC > 0 THEN GL_Amount_in_CC END
	regexp.MustCompile(`(?is)CASE\s+WHEN\s+` + glCol + `\s*>\s*` + num + `\s+THEN\s+` + glColNC + `\s+END`),
	// GREATEST(GL_Amount_in_CC, 0)
	regexp.MustCompile(`(?is)GREATEST\(\s*` + glCol + `\s*,\s*` + num + `\s*\)`),
}

// HasAntiPattern reports whether sql derives revenue from GL amounts.
func HasAntiPattern(sql string) bool {
	for _, p := range patterns {
		if p.MatchString(sql) {
			return true
		}
	}
	return false
}

// Canonicalize rewrites every GL-amount revenue expression to
// COALESCE(Gross_Revenue, 0), keeping table qualifiers. Surrounding SUM and
// ROUND wrappers are untouched.
func Canonicalize(sql string) (string, bool) {
	changed := false
	for _, p := range patterns {
		sql = p.ReplaceAllStringFunc(sql, func(m string) string {
			changed = true
			sub := p.FindStringSubmatch(m)
			col := Column
			if len(sub) > 1 && sub[1] != "" {
				col = sub[1] + "." + Column
			}
			return "COALESCE(" + col + ", 0)"
		})
	}
	return sql, changed
}

// Apply canonicalizes sql when the question is about revenue.
func Apply(question, sql string) (string, bool) {
	if !IsRevenueQuestion(question) {
		return sql, false
	}
	return Canonicalize(sql)
}
