package validator_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
	"github.com/malbeclabs/nl2sql/pkg/validator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newCache(t *testing.T) *cache.Store {
	t.Helper()
	c, err := cache.New(cache.Config{Logger: testLogger(), Backend: cache.NewMemoryBackend()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newValidator(t *testing.T, store sqlstore.Store, c *cache.Store) *validator.Validator {
	t.Helper()
	v, err := validator.New(validator.Config{Logger: testLogger(), Store: store, Cache: c})
	require.NoError(t, err)
	return v
}

func TestValidator_New_Validation(t *testing.T) {
	t.Parallel()

	_, err := validator.New(validator.Config{Store: &sqlstore.FuncStore{}})
	require.ErrorContains(t, err, "logger is required")

	_, err = validator.New(validator.Config{Logger: testLogger()})
	require.ErrorContains(t, err, "store is required")
}

func TestValidator_CachesValidResults(t *testing.T) {
	t.Parallel()

	store := &sqlstore.FuncStore{
		DryRunFunc: func(context.Context, string) (sqlstore.Estimate, error) {
			return sqlstore.Estimate{BytesProcessed: 2048, EstimatedRows: 12, EstimatedCost: 4.5}, nil
		},
	}
	v := newValidator(t, store, newCache(t))

	for range 2 {
		got, err := v.Validate(t.Context(), "SELECT 1")
		require.NoError(t, err)
		assert.Equal(t, validator.Validation{Valid: true, BytesProcessed: 2048, EstimatedRows: 12, EstimatedCost: 4.5}, got)
	}
	assert.Len(t, store.DryRuns(), 1)
}

func TestValidator_DoesNotCacheRejections(t *testing.T) {
	t.Parallel()

	store := &sqlstore.FuncStore{
		DryRunFunc: func(context.Context, string) (sqlstore.Estimate, error) {
			return sqlstore.Estimate{}, &pgconn.PgError{Code: "42601", Message: "syntax error at or near \"FORM\""}
		},
	}
	v := newValidator(t, store, newCache(t))

	for range 2 {
		got, err := v.Validate(t.Context(), "SELECT 1 FORM t")
		require.NoError(t, err)
		assert.False(t, got.Valid)
		assert.Equal(t, sqlstore.KindValidation, got.ErrorKind)
		assert.Contains(t, got.Error, "syntax error")
	}
	assert.Len(t, store.DryRuns(), 2)
}

func TestValidator_KeepsActionableKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want sqlstore.ErrorKind
	}{
		{"missing table", &pgconn.PgError{Code: "42P01"}, sqlstore.KindNotFound},
		{"permission", &pgconn.PgError{Code: "42501"}, sqlstore.KindPermission},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, sqlstore.KindTimeout},
		{"unknown column", &pgconn.PgError{Code: "42703"}, sqlstore.KindValidation},
		{"other", errors.New("boom"), sqlstore.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := &sqlstore.FuncStore{
				DryRunFunc: func(context.Context, string) (sqlstore.Estimate, error) { return sqlstore.Estimate{}, tt.err },
			}
			got, err := newValidator(t, store, nil).Validate(t.Context(), "SELECT 1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ErrorKind)
		})
	}
}

func TestValidator_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	store := &sqlstore.FuncStore{
		DryRunFunc: func(ctx context.Context, _ string) (sqlstore.Estimate, error) {
			cancel()
			return sqlstore.Estimate{}, ctx.Err()
		},
	}
	_, err := newValidator(t, store, nil).Validate(ctx, "SELECT 1")
	require.ErrorIs(t, err, context.Canceled)
}

const rankedSQL = `WITH r AS (SELECT c, SUM(x) AS v, ROW_NUMBER() OVER (ORDER BY SUM(x) DESC) AS rnk FROM t GROUP BY c) SELECT c, v FROM r WHERE rnk <= 3`

func TestOptimizer_SwapsWhenRewriteValidates(t *testing.T) {
	t.Parallel()

	store := &sqlstore.FuncStore{
		DryRunFunc: func(context.Context, string) (sqlstore.Estimate, error) {
			return sqlstore.Estimate{EstimatedRows: 3}, nil
		},
	}
	c := newCache(t)
	v := newValidator(t, store, c)
	current := validator.Validation{Valid: true, EstimatedRows: 40}

	got, err := v.Optimize(t.Context(), rankedSQL, current)
	require.NoError(t, err)
	assert.True(t, got.Swapped)
	assert.Equal(t, rankedSQL, got.OriginalSQL)
	assert.Equal(t, []string{"rank_to_limit"}, got.Applied)
	assert.Contains(t, got.SQL, "LIMIT 3")
	assert.NotContains(t, got.SQL, "ROW_NUMBER()")
	assert.Equal(t, int64(3), got.Validation.EstimatedRows)
	assert.True(t, strings.HasPrefix(got.Diff, "--- original.sql\n+++ optimized.sql\n"), got.Diff)

	again, err := v.Optimize(t.Context(), rankedSQL, current)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Len(t, store.DryRuns(), 1)
}

func TestOptimizer_KeepsOriginalWhenRewriteRejected(t *testing.T) {
	t.Parallel()

	store := &sqlstore.FuncStore{
		DryRunFunc: func(context.Context, string) (sqlstore.Estimate, error) {
			return sqlstore.Estimate{}, errors.New("window function required")
		},
	}
	current := validator.Validation{Valid: true}

	got, err := newValidator(t, store, nil).Optimize(t.Context(), rankedSQL, current)
	require.NoError(t, err)
	assert.False(t, got.Swapped)
	assert.Equal(t, rankedSQL, got.SQL)
	assert.Empty(t, got.OriginalSQL)
	assert.Equal(t, current, got.Validation)
}

func TestOptimizer_NoRewrite(t *testing.T) {
	t.Parallel()

	store := &sqlstore.FuncStore{}
	sql := "SELECT Region, SUM(x) FROM t GROUP BY Region"
	got, err := newValidator(t, store, nil).Optimize(t.Context(), sql, validator.Validation{Valid: true})
	require.NoError(t, err)
	assert.False(t, got.Swapped)
	assert.Equal(t, sql, got.SQL)
	assert.Empty(t, store.DryRuns())
}
