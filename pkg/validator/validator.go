// Package validator dry-runs SQL against the execution store and applies
// local rewrites that re-validate.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
)

type Config struct {
	Logger *slog.Logger
	Store  sqlstore.Store
	// Cache is optional. Without it every call dry-runs.
	Cache  *cache.Store
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Validation is the outcome of a dry run.
type Validation struct {
	Valid          bool               `json:"valid"`
	BytesProcessed int64              `json:"bytes_processed,omitempty"`
	EstimatedCost  float64            `json:"estimated_cost,omitempty"`
	EstimatedRows  int64              `json:"estimated_rows,omitempty"`
	Error          string             `json:"error,omitempty"`
	ErrorKind      sqlstore.ErrorKind `json:"error_kind,omitempty"`
}

type Validator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate validator config: %w", err)
	}
	return &Validator{log: cfg.Logger, cfg: cfg}, nil
}

// Validate dry-runs sql. A rejected query is reported through the returned
// Validation; the error is only set when ctx ends first. Valid results are
// cached by SQL hash.
func (v *Validator) Validate(ctx context.Context, sql string) (Validation, error) {
	key := cache.ValidationKey(sql)
	if v.cfg.Cache != nil {
		var cached Validation
		if v.cfg.Cache.Get(ctx, key, &cached) {
			metrics.ValidationsTotal.WithLabelValues("cached").Inc()
			return cached, nil
		}
	}

	est, err := v.cfg.Store.DryRun(ctx, sql)
	if err != nil {
		if ctx.Err() != nil {
			return Validation{}, ctx.Err()
		}
		kind := dryRunKind(err)
		metrics.ValidationsTotal.WithLabelValues("invalid").Inc()
		v.log.Info("validator: sql rejected", "kind", kind, "error", err)
		return Validation{Error: err.Error(), ErrorKind: kind}, nil
	}

	res := Validation{
		Valid:          true,
		BytesProcessed: est.BytesProcessed,
		EstimatedCost:  est.EstimatedCost,
		EstimatedRows:  est.EstimatedRows,
	}
	metrics.ValidationsTotal.WithLabelValues("valid").Inc()
	if v.cfg.Cache != nil {
		_ = v.cfg.Cache.Set(ctx, key, res, 0)
	}
	return res, nil
}

// dryRunKind keeps the kinds a user must act on and reports everything else
// as a validation failure.
func dryRunKind(err error) sqlstore.ErrorKind {
	switch k := sqlstore.KindOf(err); k {
	case sqlstore.KindPermission, sqlstore.KindNotFound, sqlstore.KindTimeout:
		return k
	}
	return sqlstore.KindValidation
}
