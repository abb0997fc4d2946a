package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestSettingsStoreLoad(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewSettingsStore(mock)
	require.NoError(t, err)

	keys := []string{"cluster_distance_threshold", "text_similarity_threshold"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM system_settings WHERE key = ANY($1)")).
		WithArgs(keys).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).AddRow("text_similarity_threshold", "0.5"))

	values, err := store.LoadSettings(context.Background(), keys)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"text_similarity_threshold": "0.5"}, values)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsStoreLoadError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewSettingsStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("system_settings").WillReturnError(errors.New("connection refused"))
	_, err = store.LoadSettings(context.Background(), []string{"x"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsStorePing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewSettingsStore(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoresRequirePool(t *testing.T) {
	t.Parallel()

	_, err := NewSettingsStore(nil)
	require.Error(t, err)
	_, err = NewFeedStore(nil)
	require.Error(t, err)
	_, err = NewClusterStore(nil)
	require.Error(t, err)
	_, err = NewQueueStore(nil)
	require.Error(t, err)
}
