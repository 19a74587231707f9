package finance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type WindowKind string

const (
	WindowYTD     WindowKind = "YTD"
	WindowMTD     WindowKind = "MTD"
	WindowQTD     WindowKind = "QTD"
	WindowYoY     WindowKind = "YOY"
	WindowMoM     WindowKind = "MOM"
	WindowYear    WindowKind = "YEAR"
	WindowQuarter WindowKind = "QUARTER"
	WindowMonth   WindowKind = "MONTH"
	WindowLastN   WindowKind = "LAST_N"
	WindowRange   WindowKind = "RANGE"
)

// TimeWindow is a half-open interval [Start, End). Comparison windows also
// carry the prior period.
type TimeWindow struct {
	Kind  WindowKind `json:"kind"`
	Label string     `json:"label"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`

	CompareStart time.Time `json:"compare_start,omitzero"`
	CompareEnd   time.Time `json:"compare_end,omitzero"`
}

func (w TimeWindow) IsComparison() bool {
	return !w.CompareStart.IsZero()
}

// Filter renders a WHERE predicate over a date column.
func (w TimeWindow) Filter(column string) string {
	return fmt.Sprintf("%s >= DATE '%s' AND %s < DATE '%s'",
		column, w.Start.Format(time.DateOnly), column, w.End.Format(time.DateOnly))
}

// CompareFilter renders the predicate for the prior period, or "" when the
// window has none.
func (w TimeWindow) CompareFilter(column string) string {
	if !w.IsComparison() {
		return ""
	}
	return fmt.Sprintf("%s >= DATE '%s' AND %s < DATE '%s'",
		column, w.CompareStart.Format(time.DateOnly), column, w.CompareEnd.Format(time.DateOnly))
}

var (
	dateRangeRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\s+(?:and|to|until|through)\s+(\d{4}-\d{2}-\d{2})`)
	lastNRe     = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d+)\s+(day|days|week|weeks|month|months|year|years)\b`)
	quarterRe   = regexp.MustCompile(`\bq([1-4])(?:\s+(\d{4}))?\b`)
	yearRe      = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
)

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfQuarter(t time.Time) time.Time {
	m := time.Month((int(t.Month())-1)/3*3 + 1)
	return time.Date(t.Year(), m, 1, 0, 0, 0, 0, time.UTC)
}

// ExtractTimeWindow finds the first time expression in a question, relative
// to now. It returns nil when there is none.
func ExtractTimeWindow(question string, now time.Time) *TimeWindow {
	now = now.UTC()
	text := normalize(question)
	today := startOfDay(now)
	tomorrow := today.AddDate(0, 0, 1)
	padded := " " + text + " "
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(padded, " "+w+" ") {
				return true
			}
		}
		return false
	}

	if m := dateRangeRe.FindStringSubmatch(strings.ToLower(question)); m != nil {
		start, err1 := time.Parse(time.DateOnly, m[1])
		end, err2 := time.Parse(time.DateOnly, m[2])
		if err1 == nil && err2 == nil && !end.Before(start) {
			return &TimeWindow{Kind: WindowRange, Label: m[1] + " to " + m[2], Start: start, End: end.AddDate(0, 0, 1)}
		}
	}

	switch {
	case has("yoy", "year over year", "vs last year", "versus last year", "compared to last year"):
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return &TimeWindow{
			Kind: WindowYoY, Label: "year over year",
			Start: start, End: tomorrow,
			CompareStart: start.AddDate(-1, 0, 0), CompareEnd: tomorrow.AddDate(-1, 0, 0),
		}
	case has("mom", "month over month", "vs last month", "versus last month", "compared to last month"):
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return &TimeWindow{
			Kind: WindowMoM, Label: "month over month",
			Start: start, End: tomorrow,
			CompareStart: start.AddDate(0, -1, 0), CompareEnd: start,
		}
	case has("ytd", "year to date"):
		return &TimeWindow{Kind: WindowYTD, Label: "year to date", Start: time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC), End: tomorrow}
	case has("qtd", "quarter to date"):
		return &TimeWindow{Kind: WindowQTD, Label: "quarter to date", Start: startOfQuarter(now), End: tomorrow}
	case has("mtd", "month to date"):
		return &TimeWindow{Kind: WindowMTD, Label: "month to date", Start: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), End: tomorrow}
	}

	if m := lastNRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n > 0 {
			var start time.Time
			switch strings.TrimSuffix(m[2], "s") {
			case "day":
				start = tomorrow.AddDate(0, 0, -n)
			case "week":
				start = tomorrow.AddDate(0, 0, -7*n)
			case "month":
				start = tomorrow.AddDate(0, -n, 0)
			case "year":
				start = tomorrow.AddDate(-n, 0, 0)
			}
			return &TimeWindow{Kind: WindowLastN, Label: m[0], Start: start, End: tomorrow}
		}
	}

	switch {
	case has("last year", "previous year", "prior year"):
		y := now.Year() - 1
		return yearWindow(y)
	case has("this year", "current year"):
		return yearWindow(now.Year())
	case has("last quarter", "previous quarter"):
		start := startOfQuarter(now).AddDate(0, -3, 0)
		return &TimeWindow{Kind: WindowQuarter, Label: "last quarter", Start: start, End: start.AddDate(0, 3, 0)}
	case has("this quarter", "current quarter"):
		start := startOfQuarter(now)
		return &TimeWindow{Kind: WindowQuarter, Label: "this quarter", Start: start, End: start.AddDate(0, 3, 0)}
	case has("last month", "previous month"):
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		return &TimeWindow{Kind: WindowMonth, Label: "last month", Start: start, End: start.AddDate(0, 1, 0)}
	case has("this month", "current month"):
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return &TimeWindow{Kind: WindowMonth, Label: "this month", Start: start, End: start.AddDate(0, 1, 0)}
	}

	if m := quarterRe.FindStringSubmatch(text); m != nil {
		q, _ := strconv.Atoi(m[1])
		y := now.Year()
		if m[2] != "" {
			y, _ = strconv.Atoi(m[2])
		}
		start := time.Date(y, time.Month((q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
		return &TimeWindow{Kind: WindowQuarter, Label: fmt.Sprintf("Q%d %d", q, y), Start: start, End: start.AddDate(0, 3, 0)}
	}

	years := yearRe.FindAllString(text, -1)
	for month := time.January; month <= time.December; month++ {
		word := strings.ToLower(month.String())
		if !strings.Contains(padded, " "+word+" ") {
			continue
		}
		// "may" is only a month when a year pins it.
		if month == time.May && len(years) == 0 {
			continue
		}
		y := now.Year()
		if len(years) > 0 {
			y, _ = strconv.Atoi(years[0])
		}
		start := time.Date(y, month, 1, 0, 0, 0, 0, time.UTC)
		return &TimeWindow{Kind: WindowMonth, Label: fmt.Sprintf("%s %d", month, y), Start: start, End: start.AddDate(0, 1, 0)}
	}
	if len(years) > 0 {
		y, _ := strconv.Atoi(years[0])
		return yearWindow(y)
	}
	return nil
}

func yearWindow(y int) *TimeWindow {
	start := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	return &TimeWindow{Kind: WindowYear, Label: strconv.Itoa(y), Start: start, End: start.AddDate(1, 0, 0)}
}
