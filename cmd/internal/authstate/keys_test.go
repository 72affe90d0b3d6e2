package authstate

import (
	"errors"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestKeyBatch_FlattenOrdered(t *testing.T) {
	t.Parallel()

	b := KeyBatch{
		KeyTypeSession: {"b": []byte("2"), "a": nil},
		KeyTypePreKey:  {"9": []byte("x"), "10": []byte("y")},
	}
	got := b.Flatten()

	want := []KeyWrite{
		{Type: KeyTypePreKey, ID: "10", Value: []byte("y")},
		{Type: KeyTypePreKey, ID: "9", Value: []byte("x")},
		{Type: KeyTypeSession, ID: "a", Value: nil},
		{Type: KeyTypeSession, ID: "b", Value: []byte("2")},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("flatten mismatch:\n got=%+v\nwant=%+v", got, want)
	}
	if !got[2].Delete() || got[3].Delete() {
		t.Fatalf("tombstone detection mismatch")
	}
}

func TestValidSessionID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want bool
	}{
		{"01J9Z6B7K4X0V3QH2M8N5R1T7Y", true},
		{"user_42-main", true},
		{"", false},
		{"..", false},
		{"a/b", false},
		{"a b", false},
		{string(make([]byte, 129)), false},
	}
	for _, tt := range tests {
		if got := ValidSessionID(tt.id); got != tt.want {
			t.Fatalf("ValidSessionID(%q)=%v want=%v", tt.id, got, tt.want)
		}
	}
}

func TestStore_EmptyKeyTypeRejected(t *testing.T) {
	t.Parallel()

	st, _ := NewStore(NewMemoryBackend())
	ctx := testCtx(t)
	if _, err := st.GetKeys(ctx, "s1", "", []string{"1"}); !errors.Is(err, ErrInvalidKeyType) {
		t.Fatalf("get: expected ErrInvalidKeyType got=%v", err)
	}
	if err := st.SetKeys(ctx, "s1", KeyBatch{"": {"1": []byte("x")}}); !errors.Is(err, ErrInvalidKeyType) {
		t.Fatalf("set: expected ErrInvalidKeyType got=%v", err)
	}
}

func TestStore_MetricsRecorded(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	st, err := NewStore(NewMemoryBackend(), WithMetrics(reg))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := testCtx(t)

	c, _ := NewCredentials()
	_ = st.SaveCredentials(ctx, "s1", c)
	_ = st.SaveCredentials(ctx, "s1", c)
	_, _ = st.LoadCredentials(ctx, "s1")

	if got := testutil.ToFloat64(st.metrics.ops.WithLabelValues("save_credentials", "ok")); got != 2 {
		t.Fatalf("save_credentials ok count=%v want=2", got)
	}
	if got := testutil.ToFloat64(st.metrics.ops.WithLabelValues("load_credentials", "ok")); got != 1 {
		t.Fatalf("load_credentials ok count=%v want=1", got)
	}
}
