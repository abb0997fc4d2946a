package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMigrationNamesAreOrdered(t *testing.T) {
	t.Parallel()

	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	require.Equal(t, "0001_extensions.sql", names[0])
	for i := 1; i < len(names); i++ {
		require.Less(t, names[i-1], names[i])
	}
}

func TestMigrateRunsEveryFileInATransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names, err := MigrationNames()
	require.NoError(t, err)

	mock.MatchExpectationsInOrder(true)
	for range names {
		mock.ExpectBegin()
		mock.ExpectExec(".+").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectCommit()
	}

	require.NoError(t, Migrate(context.Background(), mock, zap.NewNop()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE EXTENSION").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "0001_extensions.sql")
	require.NoError(t, mock.ExpectationsWereMet())
}
