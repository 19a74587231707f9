package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
)

func TestSQLStore_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want sqlstore.ErrorKind
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), sqlstore.KindTimeout},
		{"pg canceled", &pgconn.PgError{Code: "57014"}, sqlstore.KindTimeout},
		{"pg permission", &pgconn.PgError{Code: "42501"}, sqlstore.KindPermission},
		{"pg auth", &pgconn.PgError{Code: "28P01"}, sqlstore.KindPermission},
		{"pg undefined table", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "42P01"}), sqlstore.KindNotFound},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, sqlstore.KindExecution},
		{"clickhouse unknown table", &clickhouse.Exception{Code: 60}, sqlstore.KindNotFound},
		{"clickhouse timeout", &clickhouse.Exception{Code: 159}, sqlstore.KindTimeout},
		{"clickhouse rights", &clickhouse.Exception{Code: 497}, sqlstore.KindPermission},
		{"message timeout", errors.New("read tcp: i/o timeout"), sqlstore.KindTimeout},
		{"message missing", errors.New("relation \"x\" does not exist"), sqlstore.KindNotFound},
		{"other", errors.New("boom"), sqlstore.KindExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, sqlstore.Classify(tt.err))
		})
	}
}

func TestSQLStore_ErrorKind_Correctable(t *testing.T) {
	t.Parallel()
	require.True(t, sqlstore.KindExecution.Correctable())
	require.True(t, sqlstore.KindValidation.Correctable())
	require.False(t, sqlstore.KindTimeout.Correctable())
	require.False(t, sqlstore.KindPermission.Correctable())
}
