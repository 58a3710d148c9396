package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestReportRepo_GetCached_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewReportRepo(db)

	mock.ExpectQuery(`FROM cached_reports WHERE user_id=\$1`).WillReturnError(pgx.ErrNoRows)

	_, err := r.GetCached(context.Background(), uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReportRepo_GetCached_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewReportRepo(db)

	userID := uuid.Must(uuid.NewV4())
	start := fixedNow.AddDate(0, 0, -6)
	mock.ExpectQuery(`FROM cached_reports WHERE user_id=\$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "window_start", "window_end", "created_at", "payload"}).
			AddRow(userID, start, fixedNow, fixedNow, []byte(`{"source":"fresh"}`)))

	c, err := r.GetCached(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, userID, c.UserID)
	require.JSONEq(t, `{"source":"fresh"}`, string(c.Payload))
}

func TestReportRepo_Replace_LocksDeletesInserts(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewReportRepo(db)

	rep := model.CachedReport{
		UserID:      uuid.Must(uuid.NewV4()),
		WindowStart: fixedNow.AddDate(0, 0, -6),
		WindowEnd:   fixedNow.AddDate(0, 0, 1),
		CreatedAt:   fixedNow,
		Payload:     []byte(`{}`),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(rep.UserID.String()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`DELETE FROM cached_reports WHERE user_id=\$1`).
		WithArgs(rep.UserID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO cached_reports`).
		WithArgs(rep.UserID, rep.WindowStart, rep.WindowEnd, rep.CreatedAt, rep.Payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Replace(context.Background(), rep))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepo_Replace_InsertErrorKeepsOldRow(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewReportRepo(db)

	rep := model.CachedReport{UserID: uuid.Must(uuid.NewV4()), CreatedAt: fixedNow, Payload: []byte(`{}`)}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`DELETE FROM cached_reports`).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO cached_reports`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	require.Error(t, r.Replace(context.Background(), rep))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepo_Goal(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewReportRepo(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(userID.String()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO goals`).
		WithArgs(userID, 90.0, 80.0, 0.5, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM cached_reports WHERE user_id=\$1`).
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()
	require.NoError(t, r.UpsertGoal(context.Background(), model.Goal{
		UserID: userID, StartWeightKg: 90, TargetWeightKg: 80, WeeklyPaceKg: 0.5,
	}))

	mock.ExpectQuery(`FROM goals WHERE user_id=\$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "start_weight_kg", "target_weight_kg", "weekly_pace_kg", "updated_at"}).
			AddRow(userID, 90.0, 80.0, 0.5, fixedNow.Add(-time.Hour)))
	g, err := r.GetGoal(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, 80.0, g.TargetWeightKg)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepo_UpsertGoal_ErrorKeepsCachedReport(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewReportRepo(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(userID.String()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO goals`).WillReturnError(errors.New("check violation"))
	mock.ExpectRollback()

	require.Error(t, r.UpsertGoal(context.Background(), model.Goal{UserID: userID, TargetWeightKg: 80}))
	require.NoError(t, mock.ExpectationsWereMet())
}
