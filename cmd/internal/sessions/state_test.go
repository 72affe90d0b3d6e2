package sessions

import (
	"strings"
	"testing"
	"time"

	"linkgate/cmd/internal/authstate"
)

func TestState_Transitions(t *testing.T) {
	t.Parallel()

	all := []State{StateConnecting, StateQRPending, StateOpen, StateClosedTransient, StateClosedTerminal}
	legal := map[[2]State]bool{
		{StateConnecting, StateQRPending}:           true,
		{StateConnecting, StateOpen}:                true,
		{StateConnecting, StateClosedTransient}:     true,
		{StateConnecting, StateClosedTerminal}:      true,
		{StateQRPending, StateQRPending}:            true,
		{StateQRPending, StateOpen}:                 true,
		{StateQRPending, StateClosedTransient}:      true,
		{StateQRPending, StateClosedTerminal}:       true,
		{StateOpen, StateClosedTransient}:           true,
		{StateOpen, StateClosedTerminal}:            true,
		{StateClosedTransient, StateConnecting}:     true,
		{StateClosedTransient, StateClosedTerminal}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]State{from, to}]
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v want %v", from, to, got, want)
			}
		}
	}
	if !StateClosedTerminal.Terminal() || StateClosedTransient.Terminal() {
		t.Fatalf("terminal classification wrong")
	}
}

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d)=%v want %v", tc.attempt, got, tc.want)
		}
	}

	var immediate Backoff
	if d := immediate.Delay(7); d != 0 {
		t.Fatalf("zero backoff delay=%v want 0", d)
	}
	if immediate.Exhausted(1_000_000) {
		t.Fatalf("zero MaxAttempts must retry forever")
	}

	capped := Backoff{MaxAttempts: 3}
	if capped.Exhausted(3) || !capped.Exhausted(4) {
		t.Fatalf("MaxAttempts=3 exhaustion boundary wrong")
	}
}

func TestRegistry_RemoveIsCompareAndDelete(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	old := newSession("a", nil)
	cur := newSession("a", nil)

	r.Put(old)
	r.Put(cur)

	if r.Remove("a", old) {
		t.Fatalf("stale entry removed the current one")
	}
	if r.Get("a") != cur {
		t.Fatalf("current entry lost")
	}
	if !r.Remove("a", cur) {
		t.Fatalf("current entry not removed")
	}
	if r.Get("a") != nil || r.Len() != 0 {
		t.Fatalf("registry not empty")
	}
	if r.Remove("a", cur) {
		t.Fatalf("double remove reported success")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Put(newSession(id, nil))
	}
	got := strings.Join(r.List(), ",")
	if got != "a,b,c" {
		t.Fatalf("list=%s", got)
	}
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, domain, want string
	}{
		{"15550001111", "", "15550001111@s.whatsapp.net"},
		{"+15550001111", "", "15550001111@s.whatsapp.net"},
		{" 1555 ", "example.net", "1555@example.net"},
		{"120363@g.us", "", "120363@g.us"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := NormalizeAddress(tc.in, tc.domain); got != tc.want {
			t.Errorf("NormalizeAddress(%q,%q)=%q want %q", tc.in, tc.domain, got, tc.want)
		}
	}
}

func TestNewSessionID(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	a, err := NewSessionID(now)
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	b, err := NewSessionID(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(a) != 26 || a == b {
		t.Fatalf("ids a=%q b=%q", a, b)
	}
	if a >= b {
		t.Fatalf("ids not time ordered: %q >= %q", a, b)
	}
	if !authstate.ValidSessionID(a) {
		t.Fatalf("generated id %q is not a valid storage key", a)
	}
}

func TestPNGDataURL(t *testing.T) {
	t.Parallel()

	img, err := PNGDataURL("2@abc,def,ghi")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(img, "data:image/png;base64,") || len(img) < 100 {
		t.Fatalf("unexpected data url prefix: %.40s", img)
	}
}
