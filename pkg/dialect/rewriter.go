// Package dialect rewrites warehouse-dialect SQL emitted by the LLM into the
// relational execution dialect. Rules run in a fixed order; each rule and
// the whole sequence are idempotent.
package dialect

import (
	"regexp"
	"slices"
	"strings"

	"github.com/malbeclabs/nl2sql/pkg/dialect/revenue"
)

// DefaultTextColumns are identifier columns whose original casing must
// survive into results.
var DefaultTextColumns = []string{
	"Customer", "Customer_Name", "Distributor", "Distributor_Name",
	"Material", "Material_Description", "Product", "Product_Name", "Product_Line",
	"Region", "Country", "Sales_Organization", "Sales_Org", "Plant", "Channel", "Segment",
}

// DefaultOrderBySynonyms maps ORDER BY names the LLM commonly emits to the
// aliases it actually selected.
var DefaultOrderBySynonyms = map[string]string{
	"total_gross_margin": "total_total_gm",
	"gross_margin":       "total_gm",
	"total_revenue":      "revenue",
	"revenue":            "total_revenue",
	"total_sales":        "total_revenue",
	"margin_pct":         "gross_margin_pct",
	"gm_pct":             "gross_margin_pct",
}

type Config struct {
	TextColumns     []string
	OrderBySynonyms map[string]string
}

type Rewriter struct {
	textColumns map[string]bool
	synonyms    map[string]string
	rules       []rule
}

type rule struct {
	name string
	fn   func(question, sql string) string
}

// Result is the rewritten SQL plus which rules changed it.
type Result struct {
	SQL           string
	AutoCorrected bool
	Applied       []string
}

func New(cfg Config) *Rewriter {
	if cfg.TextColumns == nil {
		cfg.TextColumns = DefaultTextColumns
	}
	if cfg.OrderBySynonyms == nil {
		cfg.OrderBySynonyms = DefaultOrderBySynonyms
	}
	rw := &Rewriter{
		textColumns: make(map[string]bool, len(cfg.TextColumns)),
		synonyms:    make(map[string]string, len(cfg.OrderBySynonyms)),
	}
	for _, c := range cfg.TextColumns {
		rw.textColumns[strings.ToLower(c)] = true
	}
	for k, v := range cfg.OrderBySynonyms {
		rw.synonyms[strings.ToLower(k)] = strings.ToLower(v)
	}
	rw.rules = []rule{
		{"strip_backticks", func(_, sql string) string { return strings.ReplaceAll(sql, "`", "") }},
		{"rewrite_types", func(_, sql string) string { return rewriteTypes(sql) }},
		{"safe_divide", func(_, sql string) string { return rewriteSafeDivide(sql) }},
		{"preserve_text_case", func(_, sql string) string { return rw.removeLower(sql) }},
		{"collapse_formatting", func(_, sql string) string { return collapseFormatting(sql) }},
		{"strip_trailing_commas", func(_, sql string) string { return trailingCommaRe.ReplaceAllString(sql, "$1$2") }},
		{"dedupe_aliases", func(_, sql string) string { return dedupeAliases(sql) }},
		{"fix_order_by", func(_, sql string) string { return rw.fixOrderBy(sql) }},
		{"revenue_column", func(q, sql string) string {
			out, _ := revenue.Apply(q, sql)
			return out
		}},
	}
	return rw
}

// Rewrite applies every rule in order.
func (rw *Rewriter) Rewrite(question, sql string) Result {
	res := Result{SQL: sql}
	for _, r := range rw.rules {
		out := r.fn(question, res.SQL)
		if out == res.SQL {
			continue
		}
		res.Applied = append(res.Applied, r.name)
		if r.name == "revenue_column" {
			res.AutoCorrected = true
		}
		res.SQL = out
	}
	return res
}

var typeRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\bINT64\b`), "INTEGER"},
	{regexp.MustCompile(`(?i)\bFLOAT64\b`), "DOUBLE PRECISION"},
	{regexp.MustCompile(`(?i)\bBIGNUMERIC\b`), "NUMERIC"},
	{regexp.MustCompile(`(?i)\bBOOL\b`), "BOOLEAN"},
	{regexp.MustCompile(`(?i)\bAS\s+STRING\b`), "AS TEXT"},
	{regexp.MustCompile(`(?i)\bAS\s+BYTES\b`), "AS BYTEA"},
	{regexp.MustCompile(`(?i)\bAS\s+DATETIME\b`), "AS TIMESTAMP"},
}

func rewriteTypes(sql string) string {
	for _, t := range typeRewrites {
		sql = t.re.ReplaceAllString(sql, t.repl)
	}
	return sql
}

var (
	safeDivideRe = callRe("SAFE_DIVIDE")
	concatRe     = callRe("CONCAT")
	formatRe     = callRe("FORMAT")
	aggRe        = regexp.MustCompile(`(?i)\b(?:SUM|AVG|COUNT|MIN|MAX)\s*\(`)
	simpleExprRe = regexp.MustCompile(`^[\w.]+$`)
	leadingCall  = regexp.MustCompile(`^\w+\s*\(`)
)

// isAtom reports whether e can take a ::cast without parentheses.
func isAtom(e string) bool {
	if simpleExprRe.MatchString(e) {
		return true
	}
	if loc := leadingCall.FindStringIndex(e); loc != nil {
		return closeParen(e, loc[1]-1) == len(e)-1
	}
	if strings.HasPrefix(e, "(") {
		return closeParen(e, 0) == len(e)-1
	}
	return false
}

// rewriteSafeDivide replaces SAFE_DIVIDE(a, b) with (a::numeric / NULLIF(b,0)).
// The last call is rewritten first, so nested calls resolve inside out.
func rewriteSafeDivide(sql string) string {
	for {
		locs := safeDivideRe.FindAllStringIndex(sql, -1)
		if len(locs) == 0 {
			return sql
		}
		loc := locs[len(locs)-1]
		_, as, ae, ce, ok := funcCall(sql, safeDivideRe, loc[0])
		if !ok {
			return sql
		}
		args := splitTop(sql[as:ae])
		if len(args) != 2 {
			return sql
		}
		a, b := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
		if !isAtom(a) {
			a = "(" + a + ")"
		}
		sql = sql[:loc[0]] + "(" + a + "::numeric / NULLIF(" + b + ",0))" + sql[ce:]
	}
}

var (
	lowerRe   = regexp.MustCompile(`(?i)\bLOWER\s*\(\s*((?:\w+\.)?"?(\w+)"?)\s*\)`)
	clauseRe  = regexp.MustCompile(`(?i)\b(SELECT|FROM|WHERE|GROUP\s+BY|HAVING|ORDER\s+BY|ON|JOIN|PARTITION\s+BY)\b`)
	spaceRe   = regexp.MustCompile(`\s+`)
	keepLower = map[string]bool{"SELECT": true, "GROUP BY": true}
)

// removeLower drops LOWER() around known text identifiers in SELECT and
// GROUP BY. Filters keep their LOWER so comparisons stay case-insensitive.
func (rw *Rewriter) removeLower(sql string) string {
	matches := lowerRe.FindAllStringSubmatchIndex(sql, -1)
	if len(matches) == 0 {
		return sql
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		col := strings.ToLower(sql[m[4]:m[5]])
		if !rw.textColumns[col] {
			continue
		}
		clauses := clauseRe.FindAllString(sql[:m[0]], -1)
		if len(clauses) == 0 {
			continue
		}
		clause := strings.ToUpper(spaceRe.ReplaceAllString(clauses[len(clauses)-1], " "))
		if !keepLower[clause] {
			continue
		}
		b.WriteString(sql[last:m[0]])
		b.WriteString(sql[m[2]:m[3]])
		last = m[1]
	}
	b.WriteString(sql[last:])
	return b.String()
}

var (
	stringLitRe  = regexp.MustCompile(`^(?:'(?:[^']|'')*'|"[^"]*")$`)
	printfRe     = regexp.MustCompile(`^['"][^'"]*%[-+ #0',]*\d*(?:\.\d+)?[dfgi]`)
	aliasAfterRe = regexp.MustCompile(`(?i)^\s+AS\s+"?(\w+)"?`)
	percentWords = []string{"pct", "percent", "percentage"}
)

// collapseFormatting turns warehouse display formatting around aggregates,
// CONCAT('$', FORMAT('%.2f', SUM(x))) and FORMAT('%.2f', ...), into numeric
// ROUND expressions.
func collapseFormatting(sql string) string {
	for from := 0; from < len(sql); {
		cs, as, ae, ce, ok := funcCall(sql, concatRe, from)
		if !ok {
			break
		}
		inner, pct, ok := formatInsideConcat(splitTop(sql[as:ae]))
		if !ok {
			from = as
			continue
		}
		repl, ok := roundAggregate(inner, pct || aliasIsPercent(sql[ce:]))
		if !ok {
			from = as
			continue
		}
		sql = sql[:cs] + repl + sql[ce:]
		from = cs + len(repl)
	}

	for from := 0; from < len(sql); {
		cs, as, ae, ce, ok := funcCall(sql, formatRe, from)
		if !ok {
			break
		}
		args := splitTop(sql[as:ae])
		if len(args) != 2 || !printfRe.MatchString(strings.TrimSpace(args[0])) {
			from = as
			continue
		}
		pct := strings.Contains(args[0], "%%") || aliasIsPercent(sql[ce:])
		repl, ok := roundAggregate(strings.TrimSpace(args[1]), pct)
		if !ok {
			from = as
			continue
		}
		sql = sql[:cs] + repl + sql[ce:]
		from = cs + len(repl)
	}
	return sql
}

// formatInsideConcat accepts CONCAT arguments made of string literals and
// exactly one printf-style FORMAT call, returning the formatted expression.
func formatInsideConcat(args []string) (inner string, pct bool, ok bool) {
	found := false
	for _, a := range args {
		a = strings.TrimSpace(a)
		if stringLitRe.MatchString(a) {
			if strings.Contains(a, "%") {
				pct = true
			}
			continue
		}
		loc := formatRe.FindStringIndex(a)
		if loc == nil || loc[0] != 0 || closeParen(a, loc[1]-1) != len(a)-1 || found {
			return "", false, false
		}
		fargs := splitTop(a[loc[1] : len(a)-1])
		if len(fargs) != 2 || !printfRe.MatchString(strings.TrimSpace(fargs[0])) {
			return "", false, false
		}
		if strings.Contains(fargs[0], "%%") {
			pct = true
		}
		inner = strings.TrimSpace(fargs[1])
		found = true
	}
	return inner, pct, found
}

func aliasIsPercent(rest string) bool {
	m := aliasAfterRe.FindStringSubmatch(rest)
	if m == nil {
		return false
	}
	alias := strings.ToLower(m[1])
	for _, w := range percentWords {
		if strings.Contains(alias, w) {
			return true
		}
	}
	return false
}

// topAggregates returns the aggregate calls in e that are not nested in
// another aggregate.
func topAggregates(e string) []string {
	var out []string
	for from := 0; from < len(e); {
		loc := aggRe.FindStringIndex(e[from:])
		if loc == nil {
			break
		}
		start := from + loc[0]
		end := closeParen(e, from+loc[1]-1)
		if end < 0 {
			break
		}
		out = append(out, e[start:end+1])
		from = end + 1
	}
	return out
}

func roundAggregate(inner string, pct bool) (string, bool) {
	aggs := topAggregates(inner)
	switch len(aggs) {
	case 1:
		expr := inner
		if !isAtom(expr) {
			expr = "(" + expr + ")"
		}
		return "ROUND(" + expr + "::numeric, 2)", true
	case 2:
		if !strings.Contains(inner, "/") {
			return "", false
		}
		n, d := aggs[0], aggs[1]
		if pct {
			return "ROUND((100.0*" + n + "/NULLIF(" + d + ",0))::numeric,2)", true
		}
		return "ROUND((" + n + "::numeric/NULLIF(" + d + ",0))::numeric,2)", true
	}
	return "", false
}

var trailingCommaRe = regexp.MustCompile(`(?i),(\s*)\b(FROM|WHERE|GROUP\s+BY)\b`)

// dedupeAliases drops repeated output names from the outermost SELECT.
// CTE select lists are left alone.
func dedupeAliases(sql string) string {
	start, end, ok := mainSelectList(sql)
	if !ok {
		return sql
	}
	items := splitTop(sql[start:end])
	seen := make(map[string]bool)
	kept := make([]string, 0, len(items))
	for _, item := range items {
		alias := itemAlias(item)
		if alias != "" && seen[alias] {
			continue
		}
		seen[alias] = alias != ""
		kept = append(kept, item)
	}
	if len(kept) == len(items) {
		return sql
	}
	list := strings.Join(kept, ",")
	if !strings.HasSuffix(list, " ") && !strings.HasSuffix(list, "\n") {
		list += " "
	}
	return sql[:start] + list + sql[end:]
}

var orderItemRe = regexp.MustCompile(`(?is)^(\s*)"?(\w+)"?(\s+(?:ASC|DESC))?(\s+NULLS\s+(?:FIRST|LAST))?(\s*)$`)

// fixOrderBy maps ORDER BY names that are not selected onto the alias the
// query does select.
func (rw *Rewriter) fixOrderBy(sql string) string {
	start, end, ok := mainOrderBy(sql)
	if !ok {
		return sql
	}
	aliases := selectAliases(sql)
	items := splitTop(sql[start:end])
	changed := false
	for i, item := range items {
		m := orderItemRe.FindStringSubmatch(item)
		if m == nil {
			continue
		}
		name := strings.ToLower(m[2])
		if aliases[name] || isDigits(name) {
			continue
		}
		for _, cand := range []string{rw.synonyms[name], "total_" + name, strings.TrimPrefix(name, "total_")} {
			if cand != "" && cand != name && aliases[cand] {
				items[i] = m[1] + cand + m[3] + m[4] + m[5]
				changed = true
				break
			}
		}
	}
	if !changed {
		return sql
	}
	return sql[:start] + strings.Join(items, ",") + sql[end:]
}

func isDigits(s string) bool {
	return s != "" && !slices.ContainsFunc([]byte(s), func(c byte) bool { return c < '0' || c > '9' })
}
