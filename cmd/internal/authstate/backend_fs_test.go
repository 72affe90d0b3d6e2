package authstate

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestFSBackend_LockIsStablePerSession(t *testing.T) {
	t.Parallel()

	b, err := NewFSBackend(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	if b.lock("s1") != b.lock("s1") {
		t.Fatalf("same session must map to the same lock")
	}

	for i := 0; i < 1000; i++ {
		l := b.lock(fmt.Sprintf("sess-%d", i))
		found := false
		for j := range b.locks {
			if l == &b.locks[j] {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("lock for sess-%d is not one of the fixed stripes", i)
		}
	}
}

func TestFSBackend_ChurnLeavesNoSessions(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	b, err := NewFSBackend(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	st, err := NewStore(b)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("churn-%d", i)
			creds, err := NewCredentials()
			if err != nil {
				errs <- err
				return
			}
			if err := st.SaveCredentials(ctx, id, creds); err != nil {
				errs <- err
				return
			}
			if err := st.SetKeys(ctx, id, KeyBatch{KeyTypePreKey: {"1": []byte("k")}}); err != nil {
				errs <- err
				return
			}
			if err := st.DeleteSession(ctx, id); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("churn: %v", err)
	}

	ids, err := b.ListSessionIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("sessions left after churn: %v", ids)
	}
}
