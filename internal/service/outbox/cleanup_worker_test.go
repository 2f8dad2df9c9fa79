package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
)

var _ domain.OutboxPruner = (*stubPruner)(nil)

func TestCleanupWorker_DeleteProcessed_Batches(t *testing.T) {
	t.Parallel()

	pruner := &stubPruner{deleteResults: []int{2, 2, 1}}
	m := metrics.NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())
	worker := NewCleanupWorker(pruner, WithCleanupBatchSize(2), WithCleanupMetrics(m))

	deleted, err := worker.DeleteProcessed(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteProcessed failed: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("unexpected deleted total: got=%d want=5", deleted)
	}
	if calls := pruner.calls(); calls != 3 {
		t.Fatalf("unexpected delete calls: got=%d want=3", calls)
	}
	if got := testutil.ToFloat64(m.CleanupDeletedCounter()); got != 5 {
		t.Fatalf("unexpected deleted counter: got=%v want=5", got)
	}
}

func TestCleanupWorker_DeleteProcessed_Error(t *testing.T) {
	t.Parallel()

	pruner := &stubPruner{deleteErrors: []error{errors.New("boom")}}
	worker := NewCleanupWorker(pruner, WithCleanupBatchSize(10))

	deleted, err := worker.DeleteProcessed(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected DeleteProcessed error")
	}
	if deleted != 0 {
		t.Fatalf("unexpected deleted total: got=%d want=0", deleted)
	}
}

func TestCleanupWorker_CleanupUsesRetention(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pruner := &stubPruner{}
	worker := NewCleanupWorker(pruner, WithRetention(time.Hour))
	worker.now = func() time.Time { return now }

	worker.cleanup(context.Background())

	if got, want := pruner.lastBefore(), now.Add(-time.Hour); !got.Equal(want) {
		t.Fatalf("unexpected cutoff: got=%s want=%s", got, want)
	}
}

func TestCleanupWorker_KeepsPendingRecords(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	sent, err := repo.Enqueue(domain.OutboxMessage{EventType: "cartsync.order_activated"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := repo.Enqueue(domain.OutboxMessage{EventType: "cartsync.product_selected"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.MarkSent(sent.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	worker := NewCleanupWorker(repo)
	deleted, err := worker.DeleteProcessed(context.Background(), time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteProcessed failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected one processed record to be deleted, got %d", deleted)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 1 {
		t.Fatalf("expected pending record to survive, got %d", stats.PendingCount)
	}
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	pruner := &stubPruner{}
	worker := NewCleanupWorker(pruner, WithCleanupInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if calls := pruner.calls(); calls == 0 {
		t.Fatal("expected cleanup to be called at least once")
	}
}

type stubPruner struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	callCount     int
	before        time.Time
}

func (s *stubPruner) DeleteProcessed(before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.before = before

	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}

	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubPruner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPruner) lastBefore() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.before
}
