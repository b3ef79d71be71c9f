package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryCreditRace(t *testing.T) {
	l := NewMemory()
	userID := uuid.New()
	l.SetBalance(userID, 1000)

	const callers = 16
	start := make(chan struct{})
	results := make(chan Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := l.CompleteAndCredit(context.Background(), "sess-1", userID, 500)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- res
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for res := range results {
		if !res.AlreadyCompleted {
			winners++
			if res.NewBalance != 1500 {
				t.Errorf("winner saw balance %d, want 1500", res.NewBalance)
			}
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
	if bal, _ := l.Balance(userID); bal != 1500 {
		t.Errorf("final balance %d, want 1500 (credited exactly once)", bal)
	}
}

func TestMemoryReplaySafe(t *testing.T) {
	l := NewMemory()
	userID := uuid.New()
	l.SetBalance(userID, 0)

	res, err := l.CompleteAndCredit(context.Background(), "sess-2", userID, 100)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if res.AlreadyCompleted || res.NewBalance != 100 {
		t.Fatalf("first call should win with balance 100, got %+v", res)
	}

	for i := 0; i < 5; i++ {
		res, err := l.CompleteAndCredit(context.Background(), "sess-2", userID, 100)
		if err != nil {
			t.Fatalf("replay %d failed: %v", i, err)
		}
		if !res.AlreadyCompleted {
			t.Fatalf("replay %d credited again", i)
		}
	}
	if bal, _ := l.Balance(userID); bal != 100 {
		t.Errorf("balance %d after replays, want 100", bal)
	}
}

func TestMemoryDistinctSessionsIndependent(t *testing.T) {
	l := NewMemory()
	userID := uuid.New()
	l.SetBalance(userID, 0)

	for _, sess := range []string{"a", "b", "c"} {
		if _, err := l.CompleteAndCredit(context.Background(), sess, userID, 10); err != nil {
			t.Fatalf("session %s: %v", sess, err)
		}
	}
	if bal, _ := l.Balance(userID); bal != 30 {
		t.Errorf("balance %d, want 30", bal)
	}
}

func TestMemoryPendingRecordCompletes(t *testing.T) {
	l := NewMemory()
	userID := uuid.New()
	l.SetBalance(userID, 5)

	if err := l.Record(context.Background(), "sess-3", "stripe", userID, 50); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	// Recording twice is a no-op.
	if err := l.Record(context.Background(), "sess-3", "stripe", userID, 50); err != nil {
		t.Fatalf("duplicate record failed: %v", err)
	}

	res, err := l.CompleteAndCredit(context.Background(), "sess-3", userID, 50)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if res.AlreadyCompleted || res.NewBalance != 55 {
		t.Errorf("expected win with balance 55, got %+v", res)
	}
}

func TestMemoryUserNotFound(t *testing.T) {
	l := NewMemory()
	_, err := l.CompleteAndCredit(context.Background(), "sess-4", uuid.New(), 50)
	if err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	// The failed call must not burn the session: a retry with the account in
	// place still credits.
	userID := uuid.New()
	l.SetBalance(userID, 0)
	if _, err := l.CompleteAndCredit(context.Background(), "sess-4", userID, 50); err != nil {
		t.Fatalf("retry after user creation failed: %v", err)
	}
}

func TestMemoryRejectsNonPositiveTokens(t *testing.T) {
	l := NewMemory()
	if _, err := l.CompleteAndCredit(context.Background(), "sess-5", uuid.New(), 0); err == nil {
		t.Error("expected error for zero tokens")
	}
	if err := l.Record(context.Background(), "sess-5", "stripe", uuid.New(), -1); err == nil {
		t.Error("expected error for negative tokens")
	}
}
