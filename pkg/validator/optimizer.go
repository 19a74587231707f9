package validator

import (
	"context"
	"fmt"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/dialect"
)

// Optimization describes the optimizer's decision for one query.
type Optimization struct {
	SQL         string     `json:"sql"`
	OriginalSQL string     `json:"original_sql,omitempty"`
	Applied     []string   `json:"applied,omitempty"`
	Diff        string     `json:"diff,omitempty"`
	Swapped     bool       `json:"swapped"`
	Validation  Validation `json:"validation"`
}

// Optimize applies the local rewrites to sql, which must already be valid
// as described by current. The rewrite is swapped in only when it differs
// and re-validates; otherwise sql is returned unchanged with current.
func (v *Validator) Optimize(ctx context.Context, sql string, current Validation) (Optimization, error) {
	key := cache.OptReportKey(sql)
	if v.cfg.Cache != nil {
		var cached Optimization
		if v.cfg.Cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}

	keep := Optimization{SQL: sql, Validation: current}
	opt := dialect.Optimize(sql)
	if opt.SQL == sql {
		return keep, nil
	}

	val, err := v.Validate(ctx, opt.SQL)
	if err != nil {
		return keep, err
	}
	if !val.Valid {
		v.log.Info("validator: optimized sql rejected, keeping original", "applied", opt.Applied, "error", val.Error)
		return keep, nil
	}

	out := Optimization{
		SQL:         opt.SQL,
		OriginalSQL: sql,
		Applied:     opt.Applied,
		Diff:        unifiedDiff(sql, opt.SQL),
		Swapped:     true,
		Validation:  val,
	}
	v.log.Info("validator: optimized sql", "applied", opt.Applied)
	if v.cfg.Cache != nil {
		_ = v.cfg.Cache.Set(ctx, key, out, 0)
	}
	return out, nil
}

func unifiedDiff(before, after string) string {
	edits := myers.ComputeEdits(span.URIFromPath("original.sql"), before+"\n", after+"\n")
	return fmt.Sprint(gotextdiff.ToUnified("original.sql", "optimized.sql", before+"\n", edits))
}
