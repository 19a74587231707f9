package dialect

import (
	"regexp"
	"strconv"
	"strings"
)

// Optimization is the result of Optimize. Applied names the rewrites that
// changed the query.
type Optimization struct {
	SQL     string
	Applied []string
}

// Optimize applies local rewrites that keep results equivalent for the
// query shapes the model produces:
//
//   - rank_to_limit: a CTE numbered with ROW_NUMBER() over a single ORDER BY
//     and filtered with rn <= N outside becomes ORDER BY ... LIMIT N inside
//     the CTE. RANK() and DENSE_RANK() are left alone since ties can put
//     more than N rows under the cutoff.
//   - push_having: HAVING conjuncts without aggregates move into WHERE.
func Optimize(sql string) Optimization {
	out := Optimization{SQL: sql}
	if s, ok := rankToLimit(out.SQL); ok {
		out.SQL = s
		out.Applied = append(out.Applied, "rank_to_limit")
	}
	if s := pushHavingEverywhere(out.SQL); s != out.SQL {
		out.SQL = s
		out.Applied = append(out.Applied, "push_having")
	}
	return out
}

type cte struct {
	name        string
	open, close int
}

var (
	withRe      = regexp.MustCompile(`(?is)^\s*WITH\s+`)
	cteHeadRe   = regexp.MustCompile(`(?is)^\s*"?(\w+)"?\s+AS\s*\(`)
	cteSepRe    = regexp.MustCompile(`^\s*,`)
	rankItemRe  = regexp.MustCompile(`(?is)^\s*ROW_NUMBER\s*\(\s*\)\s*OVER\s*\(\s*ORDER\s+BY\s+(.+?)\s*\)\s+AS\s+"?(\w+)"?\s*$`)
	rankCondRe  = regexp.MustCompile(`(?is)^\s*"?(\w+)"?\s*(<=|<)\s*(\d+)\s*$`)
	fromCTERe   = regexp.MustCompile(`(?is)^\s*FROM\s+"?(\w+)"?(?:\s+(?:AS\s+)?(\w+))?\s*$`)
	whereRe     = regexp.MustCompile(`(?i)\bWHERE\b`)
	limitRe     = regexp.MustCompile(`(?i)\bLIMIT\b`)
	havingRe    = regexp.MustCompile(`(?i)\bHAVING\b`)
	groupByRe   = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	havingEndRe = regexp.MustCompile(`(?i)\b(?:ORDER\s+BY|LIMIT|OFFSET|WINDOW|UNION|INTERSECT|EXCEPT)\b|;`)
	whereEndRe  = regexp.MustCompile(`(?i)\b(?:GROUP\s+BY|HAVING|ORDER\s+BY|LIMIT|OFFSET|WINDOW|UNION|INTERSECT|EXCEPT)\b|;`)
	andRe       = regexp.MustCompile(`(?i)\bAND\b`)
	orRe        = regexp.MustCompile(`(?i)\bOR\b`)
	betweenRe   = regexp.MustCompile(`(?i)\bBETWEEN\b`)
)

// ctes lists the common table expressions of sql and where the main query
// starts.
func ctes(sql string) ([]cte, int, bool) {
	loc := withRe.FindStringIndex(sql)
	if loc == nil {
		return nil, 0, false
	}
	var out []cte
	pos := loc[1]
	for {
		m := cteHeadRe.FindStringSubmatchIndex(sql[pos:])
		if m == nil {
			return nil, 0, false
		}
		open := pos + m[1] - 1
		closeAt := closeParen(sql, open)
		if closeAt < 0 {
			return nil, 0, false
		}
		out = append(out, cte{name: strings.ToLower(sql[pos+m[2] : pos+m[3]]), open: open, close: closeAt})
		pos = closeAt + 1
		if sep := cteSepRe.FindStringIndex(sql[pos:]); sep != nil {
			pos += sep[1]
			continue
		}
		return out, pos, true
	}
}

func rankToLimit(sql string) (string, bool) {
	list, mainAt, ok := ctes(sql)
	if !ok {
		return sql, false
	}
	main := sql[mainAt:]
	mm := mask(main)

	selStart, selEnd, ok := mainSelectList(main)
	if !ok || strings.Contains(main[selStart:selEnd], "*") {
		return sql, false
	}
	where := whereRe.FindStringIndex(mm[selEnd:])
	if where == nil {
		return sql, false
	}
	whereAt := selEnd + where[0]
	condStart := selEnd + where[1]
	condEnd := len(main)
	if e := whereEndRe.FindStringIndex(mm[condStart:]); e != nil {
		condEnd = condStart + e[0]
	}
	from := fromCTERe.FindStringSubmatch(main[selEnd:whereAt])
	cond := rankCondRe.FindStringSubmatch(main[condStart:condEnd])
	if from == nil || cond == nil {
		return sql, false
	}
	rankCol := strings.ToLower(cond[1])
	limit, err := strconv.Atoi(cond[3])
	if err != nil {
		return sql, false
	}
	if cond[2] == "<" {
		limit--
	}
	if limit <= 0 {
		return sql, false
	}
	if regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(rankCol) + `\b`).MatchString(main[selStart:selEnd]) {
		return sql, false
	}

	var target *cte
	for i := range list {
		if list[i].name == strings.ToLower(from[1]) {
			target = &list[i]
		}
	}
	if target == nil {
		return sql, false
	}
	body := sql[target.open+1 : target.close]
	bm := mask(body)
	if orderByRe.MatchString(bm) || limitRe.MatchString(bm) {
		return sql, false
	}
	bStart, bEnd, ok := mainSelectList(body)
	if !ok {
		return sql, false
	}
	items := splitTop(body[bStart:bEnd])
	rankAt := -1
	var orderExpr string
	for i, item := range items {
		m := rankItemRe.FindStringSubmatch(item)
		if m != nil && strings.ToLower(m[2]) == rankCol {
			rankAt, orderExpr = i, m[1]
			break
		}
	}
	if rankAt < 0 || len(items) < 2 {
		return sql, false
	}
	kept := append(append([]string{}, items[:rankAt]...), items[rankAt+1:]...)
	list2 := strings.Join(kept, ",")
	if rankAt == len(items)-1 {
		list2 = strings.TrimRight(list2, " \t\r\n")
		removed := items[rankAt]
		list2 += removed[len(strings.TrimRight(removed, " \t\r\n")):]
		if !strings.HasSuffix(list2, " ") && !strings.HasSuffix(list2, "\n") {
			list2 += " "
		}
	}
	newBody := body[:bStart] + list2 + body[bEnd:]
	trimmed := strings.TrimRight(newBody, " \t\r\n")
	newBody = trimmed + "\n  ORDER BY " + orderExpr + "\n  LIMIT " + strconv.Itoa(limit) + newBody[len(trimmed):]

	newMain := strings.TrimRight(main[:whereAt], " \t\r\n")
	if rest := strings.TrimLeft(main[condEnd:], " \t\r\n"); rest != "" {
		newMain += " " + rest
	}
	return sql[:target.open+1] + newBody + sql[target.close:mainAt] + newMain, true
}

// pushHavingEverywhere applies pushHaving to every CTE body and to the
// main query.
func pushHavingEverywhere(sql string) string {
	list, mainAt, ok := ctes(sql)
	if !ok {
		return pushHaving(sql)
	}
	var b strings.Builder
	last := 0
	for _, c := range list {
		b.WriteString(sql[last : c.open+1])
		b.WriteString(pushHaving(sql[c.open+1 : c.close]))
		last = c.close
	}
	b.WriteString(sql[last:mainAt])
	b.WriteString(pushHaving(sql[mainAt:]))
	return b.String()
}

// pushHaving moves aggregate-free HAVING conjuncts of a single SELECT into
// its WHERE clause.
func pushHaving(q string) string {
	m := mask(q)
	h := havingRe.FindStringIndex(m)
	g := groupByRe.FindStringIndex(m)
	if h == nil || g == nil || g[0] > h[0] {
		return q
	}
	condStart := h[1]
	condEnd := len(q)
	if e := havingEndRe.FindStringIndex(m[condStart:]); e != nil {
		condEnd = condStart + e[0]
	}
	cm := m[condStart:condEnd]
	if orRe.MatchString(cm) || betweenRe.MatchString(cm) {
		return q
	}

	var pushed, kept []string
	last := 0
	for _, loc := range append(andRe.FindAllStringIndex(cm, -1), []int{len(cm), len(cm)}) {
		part := strings.TrimSpace(q[condStart+last : condStart+loc[0]])
		last = loc[1]
		if part == "" {
			continue
		}
		if aggRe.MatchString(part) {
			kept = append(kept, part)
		} else {
			pushed = append(pushed, part)
		}
	}
	if len(pushed) == 0 {
		return q
	}

	var having string
	if len(kept) > 0 {
		having = "HAVING " + strings.Join(kept, " AND ")
	}
	tail := strings.TrimLeft(q[condEnd:], " \t\r\n")
	head := strings.TrimRight(q[:h[0]], " \t\r\n")
	rebuilt := head
	if having != "" {
		rebuilt += " " + having
	}
	if tail != "" {
		rebuilt += " " + tail
	} else {
		rebuilt += q[len(strings.TrimRight(q, " \t\r\n")):]
	}

	addition := strings.Join(pushed, " AND ")
	// GROUP BY sits before HAVING, so its offset is unchanged.
	w := whereRe.FindStringIndex(m[:g[0]])
	if w == nil {
		before := strings.TrimRight(rebuilt[:g[0]], " \t\r\n")
		return before + " WHERE " + addition + rebuilt[len(before):]
	}
	whereText := strings.TrimSpace(rebuilt[w[1]:g[0]])
	if orRe.MatchString(m[w[1]:g[0]]) {
		whereText = "(" + whereText + ")"
	}
	return rebuilt[:w[1]] + " " + whereText + " AND " + addition + " " + rebuilt[g[0]:]
}
