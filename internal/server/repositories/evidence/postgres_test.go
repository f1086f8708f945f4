package evidence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresRepository(db), mock, db
}

var columns = []string{"id", "inspection_id", "item_id", "object_path", "file_name", "mime_type", "size_bytes",
	"client_hash", "storage_etag", "status", "expires_at", "confirmed_at", "confirm_seq", "created_at"}

func TestCreatePending(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(5 * time.Minute)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+inspection_evidence\b.*'PENDING'`).
		WithArgs("e1", "i1", "it1", "orgs/o/inspections/i1/items/it1/e1.jpg", "sink.jpg", "image/jpeg", int64(1024), exp, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := &models.Evidence{
		ID: "e1", InspectionID: "i1", ItemID: "it1", ObjectPath: "orgs/o/inspections/i1/items/it1/e1.jpg",
		FileName: "sink.jpg", MimeType: "image/jpeg", SizeBytes: 1024, ExpiresAt: exp, CreatedAt: now,
	}
	require.NoError(t, repo.CreatePending(context.Background(), ev))
	assert.Equal(t, models.EvidencePending, ev.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePending_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+inspection_evidence`).WillReturnError(errors.New("duplicate key"))

	err := repo.CreatePending(context.Background(), &models.Evidence{ID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestGetByObjectPath(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`(?s)FROM\s+inspection_evidence\s+WHERE\s+item_id\s*=\s*\$1\s+AND\s+object_path\s*=\s*\$2$`).
		WithArgs("it1", "p").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "i1", "it1", "p", "f.jpg", "image/jpeg", int64(10), "abc", "etag", "CONFIRMED", now, now, int64(7), now))

	ev, err := repo.GetByObjectPath(context.Background(), "it1", "p")
	require.NoError(t, err)
	assert.True(t, ev.Confirmed())
	assert.Equal(t, int64(7), ev.ConfirmSeq)
	assert.Equal(t, "abc", ev.ClientHash)
	require.NotNil(t, ev.ConfirmedAt)
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM\s+inspection_evidence\s+WHERE\s+inspection_id`).
		WithArgs("i1", "e404").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "i1", "e404")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMarkConfirmed(t *testing.T) {
	q := `(?s)^UPDATE\s+inspection_evidence\s+SET\s+status\s*=\s*'CONFIRMED'.*nextval\('evidence_confirm_seq'\).*WHERE\s+id\s*=\s*\$1\s+AND\s+status\s*=\s*'PENDING'`
	at := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)

	t.Run("applied", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()

		mock.ExpectQuery(q).
			WithArgs("e1", "abc", "etag", int64(10), at).
			WillReturnRows(sqlmock.NewRows([]string{"confirm_seq"}).AddRow(int64(42)))

		ev := &models.Evidence{ID: "e1", ClientHash: "abc", StorageETag: "etag", SizeBytes: 10, Status: models.EvidencePending}
		ok, err := repo.MarkConfirmed(context.Background(), ev, at)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(42), ev.ConfirmSeq)
		assert.Equal(t, models.EvidenceConfirmed, ev.Status)
	})

	t.Run("not pending", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()

		mock.ExpectQuery(q).WillReturnError(sql.ErrNoRows)

		ev := &models.Evidence{ID: "e1", Status: models.EvidencePending}
		ok, err := repo.MarkConfirmed(context.Background(), ev, at)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, models.EvidencePending, ev.Status)
	})
}

func TestListByInspection_Order(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`(?s)WHERE\s+inspection_id\s*=\s*\$1\s+ORDER\s+BY\s+confirm_seq\s+NULLS\s+LAST`).
		WithArgs("i1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "i1", "it1", "p1", "", "image/png", int64(1), "h1", nil, "CONFIRMED", now, now, int64(1), now).
			AddRow("e2", "i1", "it1", "p2", "", "image/png", int64(1), nil, nil, "PENDING", now, nil, nil, now))

	got, err := repo.ListByInspection(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Confirmed())
	assert.False(t, got[1].Confirmed())
	assert.Zero(t, got[1].ConfirmSeq)
	assert.Nil(t, got[1].ConfirmedAt)
}
