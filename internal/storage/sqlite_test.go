package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/cmdsched/internal/task"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func createTask(t *testing.T, s *Store, id string, next time.Time) {
	t.Helper()
	err := s.CreateTask(ctx, task.Record{
		Action: task.Action{
			ID:        id,
			Kind:      task.KindEmail,
			Params:    task.Params{"to": "hong@example.com", "subject": "hi"},
			CreatedAt: t0,
		},
		MaxRetries:    3,
		NextAttemptAt: next,
	})
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", id, err)
	}
}

func claim(t *testing.T, s *Store, now time.Time) *task.Record {
	t.Helper()
	r, err := s.ClaimDue(ctx, now)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	return r
}

func TestReopenKeepsSchemaVersions(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	v1, err := s1.SchemaVersions(ctx)
	if err != nil {
		t.Fatalf("SchemaVersions: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	v2, err := s2.SchemaVersions(ctx)
	if err != nil {
		t.Fatalf("SchemaVersions: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("schema versions %v after reopen, want %v", v2, v1)
	}
}

func TestLoadMigrations_Sorted(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(ms) == 0 || ms[0].version != 1 {
		t.Fatalf("first migration = %+v, want version 1", ms)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migrations out of order: %d after %d", ms[i].version, ms[i-1].version)
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_tasks_due", "idx_tasks_updated", "idx_doc_vectors_kind", "idx_doc_vectors_document"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := openTestStore(t)
	at := t0.Add(time.Hour)
	err := s.CreateTask(ctx, task.Record{
		Action: task.Action{
			ID:          "t-1",
			Kind:        task.KindEmail,
			Params:      task.Params{"to": "hong@example.com", "subject": "Search Results Summary"},
			ScheduledAt: &at,
			CreatedAt:   t0,
		},
		MaxRetries:    3,
		NextAttemptAt: at,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, task.StatusPending)
	}
	if got.Kind != task.KindEmail {
		t.Errorf("Kind = %q, want %q", got.Kind, task.KindEmail)
	}
	if got.Params.String("to") != "hong@example.com" {
		t.Errorf("Params[to] = %q", got.Params.String("to"))
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(at) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, at)
	}
	if !got.NextAttemptAt.Equal(at) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, at)
	}
	if got.Attempts != 0 || got.MaxRetries != 3 {
		t.Errorf("Attempts/MaxRetries = %d/%d, want 0/3", got.Attempts, got.MaxRetries)
	}
}

func TestCreateTask_DuplicateID(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "dup", t0)
	err := s.CreateTask(ctx, task.Record{Action: task.Action{ID: "dup", Kind: task.KindEmail}, NextAttemptAt: t0})
	if err == nil {
		t.Fatal("expected error inserting duplicate task id")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTask(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestClaimDue_Empty(t *testing.T) {
	s := openTestStore(t)
	if got := claim(t, s, t0); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimDue_RespectsEligibleTime(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "later", t0.Add(time.Hour))

	if got := claim(t, s, t0); got != nil {
		t.Fatalf("claimed task before it was due: %+v", got)
	}
	got := claim(t, s, t0.Add(time.Hour))
	if got == nil {
		t.Fatal("task not claimable at its eligible time")
	}
	if got.Status != task.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.ClaimToken == "" {
		t.Error("claim token not set")
	}
	if got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("LastAttemptAt = %v", got.LastAttemptAt)
	}
}

func TestClaimDue_OldestFirst(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "b", t0.Add(2*time.Minute))
	createTask(t, s, "a", t0.Add(time.Minute))

	got := claim(t, s, t0.Add(time.Hour))
	if got == nil || got.ID != "a" {
		t.Fatalf("claimed %+v, want task a", got)
	}
}

func TestClaimDue_SkipsRunning(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "only", t0)

	if claim(t, s, t0) == nil {
		t.Fatal("first claim failed")
	}
	if got := claim(t, s, t0); got != nil {
		t.Errorf("second claim returned %+v, want nil", got)
	}
}

// TestClaimDue_ConcurrentSingleWinner races many claimers against one due
// task. Exactly one may observe a successful claim.
func TestClaimDue_ConcurrentSingleWinner(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "contended", t0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.ClaimDue(ctx, t0)
			if err != nil {
				t.Errorf("ClaimDue: %v", err)
				return
			}
			if r != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful claims = %d, want 1", got)
	}
}

func TestCompleteTask(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "c1", t0)
	r := claim(t, s, t0)

	if err := s.CompleteTask(ctx, r.ID, r.ClaimToken, map[string]any{"message_id": "m-1"}, t0.Add(time.Second)); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, err := s.GetTask(ctx, "c1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Result["message_id"] != "m-1" {
		t.Errorf("Result = %v", got.Result)
	}
	if got.ClaimToken != "" {
		t.Errorf("ClaimToken = %q, want cleared", got.ClaimToken)
	}
}

func TestCompleteTask_StaleToken(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "c2", t0)
	claim(t, s, t0)

	err := s.CompleteTask(ctx, "c2", "someone-else", nil, t0)
	var te *task.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("CompleteTask with stale token error = %v, want *task.TransitionError", err)
	}
	if te.From != task.StatusRunning {
		t.Errorf("From = %q, want running", te.From)
	}
	if !te.Stale {
		t.Error("Stale = false, want true for a superseded claim on a legal edge")
	}
}

func TestRetryTask_IncrementsAttemptsAndDelays(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "r1", t0)
	r := claim(t, s, t0)

	next := t0.Add(3 * time.Second)
	if err := s.RetryTask(ctx, r.ID, r.ClaimToken, "smtp timeout", next, t0); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	got, err := s.GetTask(ctx, "r1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusRetrying {
		t.Errorf("Status = %q, want retrying", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.Error != "smtp timeout" {
		t.Errorf("Error = %q", got.Error)
	}
	if !got.NextAttemptAt.Equal(next) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, next)
	}

	if claim(t, s, t0.Add(time.Second)) != nil {
		t.Error("retrying task claimed before backoff elapsed")
	}
	if claim(t, s, next) == nil {
		t.Error("retrying task not claimable after backoff")
	}
}

func TestFailTask(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "f1", t0)
	r := claim(t, s, t0)

	if err := s.FailTask(ctx, r.ID, r.ClaimToken, "invalid recipient", t0); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	got, _ := s.GetTask(ctx, "f1")
	if got.Status != task.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if claim(t, s, t0.Add(time.Hour)) != nil {
		t.Error("failed task was claimed")
	}
}

func TestCancelTask(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "x1", t0)

	got, err := s.CancelTask(ctx, "x1", t0)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	if claim(t, s, t0.Add(time.Hour)) != nil {
		t.Error("cancelled task was claimed")
	}

	_, err = s.CancelTask(ctx, "x1", t0)
	var te *task.TransitionError
	if !errors.As(err, &te) || te.From != task.StatusCancelled {
		t.Errorf("second CancelTask error = %v, want transition error from cancelled", err)
	}
}

func TestCancelTask_Running(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "x2", t0)
	claim(t, s, t0)

	_, err := s.CancelTask(ctx, "x2", t0)
	var te *task.TransitionError
	if !errors.As(err, &te) || te.From != task.StatusRunning {
		t.Errorf("CancelTask on running error = %v, want transition error from running", err)
	}
	if te != nil && te.Stale {
		t.Error("Stale = true, want false for a forbidden edge")
	}
}

func TestCancelTask_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CancelTask(ctx, "ghost", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("CancelTask error = %v, want ErrNotFound", err)
	}
}

// TestCancelClaimRace runs cancel and claim concurrently on the same task
// many times. Each round must have exactly one winner.
func TestCancelClaimRace(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("race-%d", i)
		createTask(t, s, id, t0)

		var claimed *task.Record
		var cancelErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			claimed, _ = s.ClaimDue(ctx, t0)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = s.CancelTask(ctx, id, t0)
		}()
		wg.Wait()

		got, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		switch {
		case claimed != nil && cancelErr == nil:
			t.Fatalf("round %d: both claim and cancel succeeded", i)
		case claimed == nil && cancelErr != nil:
			t.Fatalf("round %d: neither claim nor cancel succeeded: %v", i, cancelErr)
		case claimed != nil && got.Status != task.StatusRunning:
			t.Fatalf("round %d: claimed but status %q", i, got.Status)
		case cancelErr == nil && got.Status != task.StatusCancelled:
			t.Fatalf("round %d: cancelled but status %q", i, got.Status)
		}

		// Finish the claimed task so the next round's claim sees only the new one.
		if claimed != nil {
			if err := s.CompleteTask(ctx, claimed.ID, claimed.ClaimToken, nil, t0); err != nil {
				t.Fatalf("CompleteTask: %v", err)
			}
		}
	}
}

// TestStatusTriggerRejectsInvalidEdge bypasses the Go layer and checks the
// schema itself refuses a jump the state machine forbids.
func TestStatusTriggerRejectsInvalidEdge(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "direct", t0)

	if _, err := s.db.Exec(`UPDATE tasks SET status = 'completed' WHERE id = 'direct'`); err == nil {
		t.Fatal("pending -> completed was accepted")
	}

	r := claim(t, s, t0)
	if err := s.CompleteTask(ctx, r.ID, r.ClaimToken, nil, t0); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE tasks SET status = 'pending' WHERE id = 'direct'`); err == nil {
		t.Fatal("completed -> pending was accepted")
	}
}

func TestReclaimStalled(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "stalled", t0)
	claim(t, s, t0)

	retried, failed, err := s.ReclaimStalled(ctx, t0.Add(time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStalled: %v", err)
	}
	if retried != 0 || failed != 0 {
		t.Fatalf("reclaimed %d/%d within the lease", retried, failed)
	}

	retried, failed, err = s.ReclaimStalled(ctx, t0.Add(10*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStalled: %v", err)
	}
	if retried != 1 || failed != 0 {
		t.Fatalf("retried/failed = %d/%d, want 1/0", retried, failed)
	}

	got, _ := s.GetTask(ctx, "stalled")
	if got.Status != task.StatusRetrying || got.Attempts != 1 {
		t.Errorf("Status/Attempts = %q/%d, want retrying/1", got.Status, got.Attempts)
	}
	if got.Error != "lease expired" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestReclaimStalled_BudgetExhausted(t *testing.T) {
	s := openTestStore(t)
	err := s.CreateTask(ctx, task.Record{
		Action:        task.Action{ID: "spent", Kind: task.KindEmail, CreatedAt: t0},
		MaxRetries:    0,
		NextAttemptAt: t0,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	claim(t, s, t0)

	retried, failed, err := s.ReclaimStalled(ctx, t0.Add(time.Hour), time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStalled: %v", err)
	}
	if retried != 0 || failed != 1 {
		t.Errorf("retried/failed = %d/%d, want 0/1", retried, failed)
	}
}

func TestPurgeTerminal(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "old-done", t0)
	createTask(t, s, "still-pending", t0.Add(time.Hour))

	r := claim(t, s, t0)
	if err := s.CompleteTask(ctx, r.ID, r.ClaimToken, nil, t0); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	n, err := s.PurgeTerminal(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := s.GetTask(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old-done still present: %v", err)
	}
	if _, err := s.GetTask(ctx, "still-pending"); err != nil {
		t.Errorf("pending task purged: %v", err)
	}
}

func TestListTasksAndCounts(t *testing.T) {
	s := openTestStore(t)
	createTask(t, s, "l1", t0)
	createTask(t, s, "l2", t0)
	createTask(t, s, "l3", t0.Add(time.Hour))
	claim(t, s, t0)

	all, err := s.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}

	pending, err := s.ListTasks(ctx, TaskFilter{Status: task.StatusPending})
	if err != nil {
		t.Fatalf("ListTasks(pending): %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("len(pending) = %d, want 2", len(pending))
	}

	page, err := s.ListTasks(ctx, TaskFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListTasks(page): %v", err)
	}
	if len(page) != 1 {
		t.Errorf("len(page) = %d, want 1", len(page))
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[task.StatusPending] != 2 || counts[task.StatusRunning] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSaveAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	doc := Document{ID: "d1", Title: "aaa.pdf", Source: "upload", SourceKind: "document", Content: "body", Chunks: 2, CreatedAt: t0}
	if err := s.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	got, err := s.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Title != "aaa.pdf" || got.Chunks != 2 || !got.CreatedAt.Equal(t0) {
		t.Errorf("GetDocument = %+v", got)
	}

	docs, err := s.ListDocuments(ctx, 10)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("len(docs) = %d, want 1", len(docs))
	}

	if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument(missing) error = %v, want ErrNotFound", err)
	}
}
