package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"buildit/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestEnqueue_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()

	mock.ExpectQuery(`INSERT INTO job_queue`).
		WithArgs(runID, "build", 50, store.QueueStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.Enqueue(context.Background(), nil, runID, "build", 50)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != 7 {
		t.Errorf("got id %d, want 7", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaim_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, run_id, stage_name, priority, status, claimed_by, claimed_at, error, created_at`).
		WithArgs(store.QueueStatusPending).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "run_id", "stage_name", "priority", "status", "claimed_by", "claimed_at", "error", "created_at"},
		).AddRow(int64(1), runID, "build", 50, store.QueueStatusPending, nil, nil, nil, time.Now()))
	mock.ExpectExec(`UPDATE job_queue SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := s.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if entry.StageName != "build" || entry.Status != store.QueueStatusRunning {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, run_id, stage_name, priority, status, claimed_by, claimed_at, error, created_at`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Claim(context.Background(), "worker-1")
	if err != store.ErrNotFound {
		t.Fatalf("got err %v, want store.ErrNotFound", err)
	}
}

func TestReapStalled_RequeuesUnderCeiling(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	cutoff := time.Now().Add(-5 * time.Minute)

	mock.ExpectQuery(`UPDATE job_queue`).
		WithArgs(3, store.QueueStatusFailed, store.QueueStatusPending, store.QueueStatusRunning, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "stage_name", "priority", "status", "error", "created_at", "attempts"}).
			AddRow(int64(1), runID, "build", 50, store.QueueStatusPending, nil, time.Now(), 1))

	entries, err := s.ReapStalled(context.Background(), cutoff, 3)
	if err != nil {
		t.Fatalf("ReapStalled failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != store.QueueStatusPending || entries[0].Attempts != 1 {
		t.Errorf("unexpected entries: %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReapStalled_ExhaustedAttemptsMarkedFailed(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	cutoff := time.Now().Add(-5 * time.Minute)

	mock.ExpectQuery(`UPDATE job_queue`).
		WithArgs(3, store.QueueStatusFailed, store.QueueStatusPending, store.QueueStatusRunning, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "stage_name", "priority", "status", "error", "created_at", "attempts"}).
			AddRow(int64(2), runID, "test", 50, store.QueueStatusFailed, nil, time.Now(), 3))

	entries, err := s.ReapStalled(context.Background(), cutoff, 3)
	if err != nil {
		t.Fatalf("ReapStalled failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != store.QueueStatusFailed || entries[0].Attempts != 3 {
		t.Errorf("unexpected entries: %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMoveToDLQ(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	errMsg := "boom"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT run_id, stage_name, priority, error FROM job_queue`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "stage_name", "priority", "error"}).
			AddRow(runID, "test", 10, &errMsg))
	mock.ExpectExec(`INSERT INTO job_queue_dlq`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM job_queue WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.MoveToDLQ(context.Background(), 9, 5); err != nil {
		t.Fatalf("MoveToDLQ failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
