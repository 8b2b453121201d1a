/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package sqlgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/acronis/go-appkit/log/logtest"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-concurrency/gate"
)

func newMockDB(t *testing.T, g *gate.Gate, options ...Option) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), g, options...), mock
}

func TestDB_ExecContext(t *testing.T) {
	d, mock := newMockDB(t, gate.MustNew(2))

	mock.ExpectExec("INSERT INTO cover_letters").WillReturnResult(sqlmock.NewResult(7, 1))

	res, err := d.ExecContext(context.Background(), "INSERT INTO cover_letters (title) VALUES (?)", "draft")
	require.NoError(t, err)
	lastID, err := res.LastInsertId()
	require.NoError(t, err)
	require.Equal(t, int64(7), lastID)

	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, gate.Stats{Limit: 2}, d.Stats())
}

func TestDB_SelectContext(t *testing.T) {
	d, mock := newMockDB(t, gate.MustNew(2))

	mock.ExpectQuery("SELECT id, title FROM resumes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).
			AddRow(1, "backend engineer").
			AddRow(2, "SRE"))

	var resumes []struct {
		ID    int    `db:"id"`
		Title string `db:"title"`
	}
	err := d.SelectContext(context.Background(), &resumes, "SELECT id, title FROM resumes WHERE user_id = ?", 1)
	require.NoError(t, err)
	require.Len(t, resumes, 2)
	require.Equal(t, "backend engineer", resumes[0].Title)

	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, gate.Stats{Limit: 2}, d.Stats())
}

func TestDB_ErrorPassThrough(t *testing.T) {
	d, mock := newMockDB(t, gate.MustNew(1))

	errQuery := errors.New("connection reset")
	mock.ExpectExec("UPDATE quizzes").WillReturnError(errQuery)

	_, err := d.ExecContext(context.Background(), "UPDATE quizzes SET score = ? WHERE id = ?", 80, 3)
	require.ErrorIs(t, err, errQuery)

	// The failed call must have released its slot.
	require.Equal(t, gate.Stats{Limit: 1}, d.Stats())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_TransactionHoldsSlot(t *testing.T) {
	d, mock := newMockDB(t, gate.MustNew(1))

	mock.ExpectBegin()
	tx, err := d.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, gate.Stats{Limit: 1, InFlight: 1}, d.Stats())

	// The gate is saturated by the transaction, another call cannot be admitted.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	_, err = d.ExecContext(ctx, "INSERT INTO resumes (title) VALUES (?)", "draft")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	mock.ExpectCommit()
	require.NoError(t, tx.Commit())
	require.Equal(t, gate.Stats{Limit: 1}, d.Stats())

	mock.ExpectExec("INSERT INTO resumes").WillReturnResult(sqlmock.NewResult(1, 1))
	_, err = d.ExecContext(context.Background(), "INSERT INTO resumes (title) VALUES (?)", "draft")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_TransactionReleasesSlotOnce(t *testing.T) {
	d, mock := newMockDB(t, gate.MustNew(1))

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := d.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	_ = tx.Rollback() // the usual defer tx.Rollback() pattern, must not double-release

	require.Equal(t, gate.Stats{Limit: 1}, d.Stats())
	require.NotPanics(t, func() {
		require.NoError(t, d.PingContext(context.Background()))
	})
}

func TestDB_QueryxHoldsSlotUntilRowsClosed(t *testing.T) {
	d, mock := newMockDB(t, gate.MustNew(1))

	mock.ExpectQuery("SELECT id FROM quizzes").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	rows, err := d.QueryxContext(context.Background(), "SELECT id FROM quizzes")
	require.NoError(t, err)
	require.Equal(t, gate.Stats{Limit: 1, InFlight: 1}, d.Stats())

	for rows.Next() {
		var id int
		require.NoError(t, rows.Scan(&id))
	}
	require.NoError(t, rows.Close())
	require.Equal(t, gate.Stats{Limit: 1}, d.Stats())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_QueryRowxHoldsSlotUntilScanned(t *testing.T) {
	d, mock := newMockDB(t, gate.MustNew(1))

	mock.ExpectQuery("SELECT title FROM resumes").
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow("backend engineer"))

	row := d.QueryRowxContext(context.Background(), "SELECT title FROM resumes WHERE id = ?", 1)
	require.Equal(t, gate.Stats{Limit: 1, InFlight: 1}, d.Stats())

	var title string
	require.NoError(t, row.Scan(&title))
	require.Equal(t, "backend engineer", title)
	require.Equal(t, gate.Stats{Limit: 1}, d.Stats())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_QueryRowxAdmissionError(t *testing.T) {
	d, mock := newMockDB(t, gate.MustNew(1))

	mock.ExpectBegin()
	tx, err := d.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	row := d.QueryRowxContext(ctx, "SELECT title FROM resumes WHERE id = ?", 1)
	require.ErrorIs(t, row.Err(), context.DeadlineExceeded)

	var title string
	require.ErrorIs(t, row.Scan(&title), context.DeadlineExceeded)

	// The rejected query must not hold or leak a slot.
	mock.ExpectCommit()
	require.NoError(t, tx.Commit())
	require.Equal(t, gate.Stats{Limit: 1}, d.Stats())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_SlowWaitLogging(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	d, mock := newMockDB(t, gate.MustNew(1),
		WithLogger(logRecorder), WithSlowWaitThreshold(time.Millisecond*10))

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := d.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	pinged := make(chan error, 1)
	go func() {
		pinged <- d.PingContext(context.Background())
	}()

	// Keep the gate saturated long enough for the queued ping
	// to cross the slow-wait threshold.
	time.Sleep(time.Millisecond * 50)
	require.NoError(t, tx.Commit())
	require.NoError(t, <-pinged)

	entry, found := logRecorder.FindEntry("database call waited too long for gate admission")
	require.True(t, found)
	_, found = entry.FindField("duration")
	require.True(t, found)
}
