package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func enrichResult() model.EnrichmentResult {
	return model.EnrichmentResult{
		Title: "Chicken and rice",
		Snapshot: model.Snapshot{
			Nutrients:    model.Nutrients{Calories: 550, Protein: 40, Carbs: 60, Fat: 12},
			Confidence:   0.8,
			QualityScore: 7,
			Notes:        "balanced",
			Items: []model.SnapshotItem{
				{Name: "chicken", Quantity: "150 g", Nutrients: model.Nutrients{Calories: 250, Protein: 35, Fat: 8}},
			},
		},
	}
}

func TestSnapshotRepo_Complete_DeactivatesThenInserts(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSnapshotRepo(db)

	task := model.EnrichmentTask{RecordID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), Attempt: 2}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state, attempt FROM records WHERE id=\$1 AND user_id=\$2 AND NOT deleted FOR UPDATE`).
		WithArgs(task.RecordID, task.UserID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "attempt"}).AddRow("pending_enrichment", int64(2)))
	mock.ExpectExec(`UPDATE snapshots SET is_active=false WHERE record_id=\$1 AND is_active`).
		WithArgs(task.RecordID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO snapshots`).
		WithArgs(pgxmock.AnyArg(), task.RecordID, 550.0, 40.0, 60.0, 12.0, 0.0, 0.0, 0.0,
			0.8, 7, "balanced", "model", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO snapshot_items`).
		WithArgs(pgxmock.AnyArg(), 0, "chicken", "150 g", 250.0, 35.0, 0.0, 8.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE records SET state='enriched', title=\$2`).
		WithArgs(task.RecordID, "Chicken and rice", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Complete(context.Background(), task, enrichResult()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_Complete_StaleAttempt(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSnapshotRepo(db)

	task := model.EnrichmentTask{RecordID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), Attempt: 1}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state, attempt FROM records`).
		WithArgs(task.RecordID, task.UserID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "attempt"}).AddRow("pending_enrichment", int64(2)))
	mock.ExpectRollback()

	err := r.Complete(context.Background(), task, enrichResult())
	require.ErrorIs(t, err, errs.ErrStaleTask)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_Complete_InsertErrorRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSnapshotRepo(db)

	task := model.EnrichmentTask{RecordID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), Attempt: 1}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state, attempt FROM records`).
		WillReturnRows(pgxmock.NewRows([]string{"state", "attempt"}).AddRow("pending_enrichment", int64(1)))
	mock.ExpectExec(`UPDATE snapshots SET is_active=false`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO snapshots`).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	require.Error(t, r.Complete(context.Background(), task, enrichResult()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_Fail(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSnapshotRepo(db)

	task := model.EnrichmentTask{RecordID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), Attempt: 1}

	mock.ExpectExec(`UPDATE records SET state='enrichment_failed'`).
		WithArgs(task.RecordID, task.UserID, int64(1), "model timeout", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Fail(context.Background(), task, "model timeout"))

	mock.ExpectExec(`UPDATE records SET state='enrichment_failed'`).
		WithArgs(task.RecordID, task.UserID, int64(1), "model timeout", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.Fail(context.Background(), task, "model timeout"), errs.ErrStaleTask)
}

func TestSnapshotRepo_Override_RejectsPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSnapshotRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT kind, state FROM records`).
		WillReturnRows(pgxmock.NewRows([]string{"kind", "state"}).AddRow("meal", "pending_enrichment"))
	mock.ExpectRollback()

	_, err := r.Override(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), model.Nutrients{Calories: 300})
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestSnapshotRepo_Override_SupersedesActive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSnapshotRepo(db)

	userID := uuid.Must(uuid.NewV4())
	recID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT kind, state FROM records`).
		WithArgs(userID, recID).
		WillReturnRows(pgxmock.NewRows([]string{"kind", "state"}).AddRow("meal", "enriched"))
	mock.ExpectExec(`UPDATE snapshots SET is_active=false`).
		WithArgs(recID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO snapshots`).
		WithArgs(pgxmock.AnyArg(), recID, 300.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0,
			1.0, 0, "edited by user", "user", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE records SET updated_at=\$2 WHERE id=\$1`).
		WithArgs(recID, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s, err := r.Override(context.Background(), userID, recID, model.Nutrients{Calories: 300})
	require.NoError(t, err)
	require.True(t, s.IsActive)
	require.Equal(t, model.SourceUser, s.Source)
	require.NoError(t, mock.ExpectationsWereMet())
}
