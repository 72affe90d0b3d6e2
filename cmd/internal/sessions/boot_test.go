package sessions

import (
	"fmt"
	"reflect"
	"testing"
)

func TestBoot_IsolatesCorruptSession(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	ctx := testCtx(t)

	e.persist(t, "healthy")
	if err := e.backend.WriteCredentials(ctx, "corrupt", []byte("{not json")); err != nil {
		t.Fatalf("seed corrupt blob: %v", err)
	}

	rep, err := e.m.Boot(ctx, 4)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if !reflect.DeepEqual(rep.Loaded, []string{"healthy"}) {
		t.Fatalf("loaded=%v", rep.Loaded)
	}
	if !reflect.DeepEqual(rep.Failed, []string{"corrupt"}) {
		t.Fatalf("failed=%v", rep.Failed)
	}
	if active := e.m.ListActiveSessions(); !reflect.DeepEqual(active, []string{"healthy"}) {
		t.Fatalf("active=%v", active)
	}
	if e.dialer.Dials("corrupt") != 0 {
		t.Fatalf("corrupt session was dialed")
	}
}

func TestBoot_RevivesAllWithBoundedParallelism(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	ctx := testCtx(t)

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("s%02d", i)
		e.persist(t, id)
		want = append(want, id)
	}

	rep, err := e.m.Boot(ctx, 3)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if len(rep.Failed) != 0 || !reflect.DeepEqual(rep.Loaded, want) {
		t.Fatalf("report=%+v", rep)
	}
	for _, id := range want {
		if e.dialer.Dials(id) != 1 {
			t.Fatalf("session %s dialed %d times", id, e.dialer.Dials(id))
		}
	}

	// A second boot finds everything live and dials nothing new.
	if _, err := e.m.Boot(ctx, 3); err != nil {
		t.Fatalf("second boot: %v", err)
	}
	if e.dialer.Dials("s00") != 1 {
		t.Fatalf("second boot redialed a live session")
	}
}
