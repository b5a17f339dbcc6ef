package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/relayforge/internal/filetransfer/reuse"
)

func newRepoWithMock(t *testing.T) (*Cache, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return &Cache{db: db, blobDir: t.TempDir()}, mock, db
}

func TestRetrieveFile_NotFound(t *testing.T) {
	c, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`SELECT blob_path FROM reuse_objects WHERE checksum=\$1 AND checksum_type=\$2 AND tag=\$3`)
	mock.ExpectQuery(q.String()).
		WithArgs("cs", "sha256", "Owner_alice").
		WillReturnError(sql.ErrNoRows)

	err := c.RetrieveFile(context.Background(), "/tmp/dest", "cs", "sha256", "Owner_alice")
	require.ErrorIs(t, err, reuse.ErrObjectNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveSpace_InsertsReservation(t *testing.T) {
	c, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`INSERT INTO reuse_reservations`)
	mock.ExpectExec(q.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := c.ReserveSpace(context.Background(), 4096, 30, "Owner_alice")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheFile_RequiresLiveReservation(t *testing.T) {
	c, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`SELECT tag FROM reuse_reservations WHERE id=\$1`)
	mock.ExpectQuery(q.String()).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	err := c.CacheFile(context.Background(), "/tmp/src", "cs", "sha256", "missing")
	require.ErrorIs(t, err, reuse.ErrReservationRequired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease_Idempotent(t *testing.T) {
	c, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`DELETE FROM reuse_reservations WHERE id=\$1`)
	mock.ExpectExec(q.String()).WithArgs("res1").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.Release(context.Background(), "res1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
