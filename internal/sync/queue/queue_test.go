package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/uuid"
)

func newTestQueue(t *testing.T) (*Queue, *db.Repository) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return New(repo), repo
}

func TestEnqueueDurable(t *testing.T) {
	q, repo := newTestQueue(t)

	op := &models.PendingOperation{Kind: models.OperationCreate, TargetID: uuid.NewTemp()}
	id, err := q.Enqueue(op)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue returned an empty operation ID")
	}

	// The row must be readable through a fresh store handle: durability, not
	// in-memory bookkeeping.
	got, err := repo.GetPendingOperation(id)
	if err != nil {
		t.Fatalf("Operation not persisted: %v", err)
	}
	if got.Status != models.OperationStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(&models.PendingOperation{TargetID: "t"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Missing kind = %v, want INVALID_INPUT", err)
	}
	if _, err := q.Enqueue(&models.PendingOperation{Kind: models.OperationUpdate}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Missing target = %v, want INVALID_INPUT", err)
	}
}

func TestEligibleGatesOnDependencies(t *testing.T) {
	q, _ := newTestQueue(t)

	create := &models.PendingOperation{Kind: models.OperationCreate, TargetID: uuid.NewTemp()}
	if _, err := q.Enqueue(create); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	upload := &models.PendingOperation{
		Kind:      models.OperationUploadFile,
		TargetID:  create.TargetID,
		DependsOn: []string{create.ID},
	}
	if _, err := q.Enqueue(upload); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	eligible, err := q.Eligible()
	if err != nil {
		t.Fatalf("Eligible failed: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != create.ID {
		t.Fatalf("Eligible = %d ops, want only the create", len(eligible))
	}

	// Once the dependency syncs, the dependent becomes dispatchable
	if err := q.MarkSynced(create.ID); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	eligible, err = q.Eligible()
	if err != nil {
		t.Fatalf("Eligible failed: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != upload.ID {
		t.Errorf("Eligible after dependency synced = %v", eligible)
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	q, _ := newTestQueue(t)

	op := &models.PendingOperation{Kind: models.OperationUpdate, TargetID: "42"}
	if _, err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := q.Claim(op.ID)
	if err != nil || !claimed {
		t.Fatalf("Claim = %v, %v; want true", claimed, err)
	}
	claimed, err = q.Claim(op.ID)
	if err != nil {
		t.Fatalf("Second claim errored: %v", err)
	}
	if claimed {
		t.Error("Operation claimed twice")
	}
}

func TestMarkRetryKeepsOperation(t *testing.T) {
	q, repo := newTestQueue(t)

	op := &models.PendingOperation{Kind: models.OperationUpdate, TargetID: "42"}
	if _, err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Claim(op.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Transient failures never drop work, no matter how many attempts
	for i := 1; i <= 3; i++ {
		if err := q.MarkRetry(op.ID, errors.New("connection refused")); err != nil {
			t.Fatalf("MarkRetry failed: %v", err)
		}
		got, err := repo.GetPendingOperation(op.ID)
		if err != nil {
			t.Fatalf("GetPendingOperation failed: %v", err)
		}
		if got.Status != models.OperationStatusPending {
			t.Fatalf("Status = %q after retry, want pending", got.Status)
		}
		if got.Attempts != i {
			t.Errorf("Attempts = %d, want %d", got.Attempts, i)
		}
		if _, err := q.Claim(op.ID); err != nil {
			t.Fatalf("Reclaim failed: %v", err)
		}
	}
}

func TestMarkFailedLeavesRetry(t *testing.T) {
	q, repo := newTestQueue(t)

	op := &models.PendingOperation{Kind: models.OperationCreate, TargetID: uuid.NewTemp()}
	if _, err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Claim(op.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := q.MarkFailed(op.ID, errors.New("422 validation failed")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	got, _ := repo.GetPendingOperation(op.ID)
	if got.Status != models.OperationStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("Failure cause not recorded")
	}

	eligible, _ := q.Eligible()
	if len(eligible) != 0 {
		t.Error("Failed operation still eligible")
	}
}

func TestStaleBlocked(t *testing.T) {
	q, _ := newTestQueue(t)

	dep := &models.PendingOperation{Kind: models.OperationCreate, TargetID: uuid.NewTemp()}
	if _, err := q.Enqueue(dep); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Claim(dep.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	blocked := &models.PendingOperation{
		Kind:      models.OperationUploadFile,
		TargetID:  dep.TargetID,
		DependsOn: []string{dep.ID},
	}
	if _, err := q.Enqueue(blocked); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	ready := &models.PendingOperation{Kind: models.OperationUpdate, TargetID: "42"}
	if _, err := q.Enqueue(ready); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	stale, err := q.StaleBlocked(0)
	if err != nil {
		t.Fatalf("StaleBlocked failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != blocked.ID {
		t.Errorf("StaleBlocked = %v, want the blocked upload", stale)
	}

	// A generous age window excludes fresh operations
	stale, err = q.StaleBlocked(time.Hour)
	if err != nil {
		t.Fatalf("StaleBlocked failed: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("Fresh operation reported stale")
	}
}

func TestRecoverReturnsDeadClaimsToPending(t *testing.T) {
	q, repo := newTestQueue(t)

	orphan := &models.PendingOperation{Kind: models.OperationUploadFile, TargetID: "501"}
	done := &models.PendingOperation{Kind: models.OperationCreate, TargetID: uuid.NewTemp()}
	for _, op := range []*models.PendingOperation{orphan, done} {
		if _, err := q.Enqueue(op); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if claimed, err := q.Claim(orphan.ID); err != nil || !claimed {
		t.Fatalf("Claim = %v, %v", claimed, err)
	}
	if claimed, err := q.Claim(done.ID); err != nil || !claimed {
		t.Fatalf("Claim = %v, %v", claimed, err)
	}
	if err := q.MarkSynced(done.ID); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	// The claim holder died; a fresh queue over the same store takes over
	restarted := New(repo)
	n, err := restarted.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover reclaimed %d operations, want 1", n)
	}

	got, err := repo.GetPendingOperation(orphan.ID)
	if err != nil {
		t.Fatalf("GetPendingOperation failed: %v", err)
	}
	if got.Status != models.OperationStatusPending {
		t.Errorf("Status = %q after recovery, want pending", got.Status)
	}
	gotDone, _ := repo.GetPendingOperation(done.ID)
	if gotDone.Status != models.OperationStatusSynced {
		t.Errorf("Settled operation status = %q, want synced", gotDone.Status)
	}

	eligible, err := restarted.Eligible()
	if err != nil {
		t.Fatalf("Eligible failed: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != orphan.ID {
		t.Errorf("Eligible after recovery = %v, want the reclaimed upload", eligible)
	}

	// A clean start has nothing to reclaim
	if n, err := restarted.Recover(); err != nil || n != 0 {
		t.Errorf("Second Recover = %d, %v; want 0", n, err)
	}
}

func TestPruneKeepsResolvedDependenciesDispatchable(t *testing.T) {
	q, _ := newTestQueue(t)

	create := &models.PendingOperation{Kind: models.OperationCreate, TargetID: uuid.NewTemp()}
	if _, err := q.Enqueue(create); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	upload := &models.PendingOperation{
		Kind:      models.OperationUploadFile,
		TargetID:  create.TargetID,
		DependsOn: []string{create.ID},
	}
	if _, err := q.Enqueue(upload); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Claim(create.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := q.MarkSynced(create.ID); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	pruned, err := q.Prune(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("Prune deleted %d operations, want 1", pruned)
	}

	// The dependency row is gone because it synced; the dependent still runs
	eligible, err := q.Eligible()
	if err != nil {
		t.Fatalf("Eligible failed: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != upload.ID {
		t.Errorf("Eligible after prune = %v, want the upload", eligible)
	}
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)

	a := &models.PendingOperation{Kind: models.OperationCreate, TargetID: uuid.NewTemp()}
	b := &models.PendingOperation{Kind: models.OperationUpdate, TargetID: "42"}
	for _, op := range []*models.PendingOperation{a, b} {
		if _, err := q.Enqueue(op); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if _, err := q.Claim(b.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["total"] != 2 || stats["pending"] != 1 || stats["in_flight"] != 1 {
		t.Errorf("Stats = %v", stats)
	}
}
