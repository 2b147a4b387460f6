package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/stacks/internal/cache"
	"github.com/kalambet/stacks/internal/storage"
)

type mockPruner struct {
	calls   atomic.Int32
	pruneFn func(ctx context.Context) error
}

func (m *mockPruner) Prune(ctx context.Context) error {
	m.calls.Add(1)
	if m.pruneFn != nil {
		return m.pruneFn(ctx)
	}
	return nil
}

type mockIndexer struct {
	mu      sync.Mutex
	indexed []string
	indexFn func(libraryID int64, key string) error
}

func (m *mockIndexer) IndexItem(libraryID int64, key string) error {
	if m.indexFn != nil {
		return m.indexFn(libraryID, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = append(m.indexed, key)
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueIndexJob(t *testing.T, store *storage.Store, id string, libraryID int64, key string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"libraryID": libraryID, "key": key})
	job := storage.Job{ID: id, Type: cache.JobIndexFulltext, PayloadJSON: string(payload)}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ProcessesPruneJob(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-p1", Type: cache.JobPruneCache, PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	pruner := &mockPruner{}
	w := NewWorker(store, pruner, &mockIndexer{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if pruner.calls.Load() != 1 {
		t.Errorf("prune calls = %d, want 1", pruner.calls.Load())
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-p1'`).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_ProcessesIndexJob(t *testing.T) {
	store := openTestStore(t)
	enqueueIndexJob(t, store, "job-i1", 1, "ATT1")

	indexer := &mockIndexer{}
	w := NewWorker(store, &mockPruner{}, indexer, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.indexed) != 1 || indexer.indexed[0] != "ATT1" {
		t.Errorf("indexed = %v, want [ATT1]", indexer.indexed)
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockPruner{}, &mockIndexer{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Fatal("RunOnce returned true on empty queue")
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	enqueueIndexJob(t, store, "job-r", 1, "ATT1")

	var calls atomic.Int32
	indexer := &mockIndexer{indexFn: func(_ int64, _ string) error {
		n := calls.Add(1)
		if n <= 2 {
			return fmt.Errorf("transient error %d", n)
		}
		return nil
	}}
	w := NewWorker(store, &mockPruner{}, indexer, 0)
	ctx := context.Background()

	// 1st attempt fails and stays retryable.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1: didWork=%v err=%v", didWork, err)
	}
	var status1 string
	var attempts1 int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'job-r'`).Scan(&status1, &attempts1); err != nil {
		t.Fatalf("query after 1st fail: %v", err)
	}
	if status1 != "pending" || attempts1 != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status1, attempts1)
	}

	resetRunAfter(t, store, "job-r")
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2: didWork=%v err=%v", didWork, err)
	}

	resetRunAfter(t, store, "job-r")
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3: didWork=%v err=%v", didWork, err)
	}

	var status3 string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-r'`).Scan(&status3); err != nil {
		t.Fatalf("query after 3rd attempt: %v", err)
	}
	if status3 != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status3)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	enqueueIndexJob(t, store, "job-m", 1, "ATT1")

	indexer := &mockIndexer{indexFn: func(_ int64, _ string) error {
		return fmt.Errorf("permanent error")
	}}
	w := NewWorker(store, &mockPruner{}, indexer, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-m")
		}
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-m'`).Scan(&status); err != nil {
		t.Fatalf("query final status: %v", err)
	}
	if status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-bad", Type: cache.JobIndexFulltext, PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := NewWorker(store, &mockPruner{}, &mockIndexer{}, 0)
	if didWork, err := w.RunOnce(context.Background()); err != nil || !didWork {
		t.Fatalf("RunOnce: didWork=%v err=%v", didWork, err)
	}

	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'job-bad'`).Scan(&status, &attempts); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "pending" || attempts != 1 {
		t.Errorf("status=%q attempts=%d, want pending/1", status, attempts)
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				key := fmt.Sprintf("ATT-%d-%d", g, j)
				payload, _ := json.Marshal(map[string]any{"libraryID": 1, "key": key})
				job := storage.Job{
					ID:          "job-" + key,
					Type:        cache.JobIndexFulltext,
					PayloadJSON: string(payload),
				}
				if err := store.EnqueueJob(job); err != nil {
					t.Errorf("EnqueueJob %s: %v", key, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	indexer := &mockIndexer{}
	w := NewWorker(store, &mockPruner{}, indexer, 0)

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.indexed) != total {
		t.Errorf("indexed %d keys, want %d", len(indexer.indexed), total)
	}
}
