package replication

import (
	"errors"
	"testing"

	"github.com/dd0wney/cluso-shardstore/pkg/logging"
)

// fakeCloser records close calls in a shared log
type fakeCloser struct {
	name string
	log  *[]string
	err  error
}

func (f *fakeCloser) Close() error {
	*f.log = append(*f.log, f.name)
	return f.err
}

func TestCleanupClosesInReverseOrder(t *testing.T) {
	var log []string
	rc := NewResourceCleanup(logging.NewNopLogger())
	rc.Add(&fakeCloser{name: "first", log: &log}, "first")
	rc.Add(&fakeCloser{name: "second", log: &log}, "second")
	rc.Add(&fakeCloser{name: "third", log: &log}, "third")

	rc.Cleanup()

	want := []string{"third", "second", "first"}
	if len(log) != len(want) {
		t.Fatalf("closed %d resources, want %d", len(log), len(want))
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("close[%d] = %s, want %s", i, log[i], want[i])
		}
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	var log []string
	rc := NewResourceCleanup(logging.NewNopLogger())
	rc.Add(&fakeCloser{name: "only", log: &log}, "only")

	rc.Cleanup()
	rc.Cleanup()

	if len(log) != 1 {
		t.Errorf("resource closed %d times, want 1", len(log))
	}
}

func TestClearPreventsCleanup(t *testing.T) {
	var log []string
	rc := NewResourceCleanup(logging.NewNopLogger())
	rc.Add(&fakeCloser{name: "kept", log: &log}, "kept")

	rc.Clear()
	rc.Cleanup()

	if len(log) != 0 {
		t.Errorf("cleared resource was closed %d times", len(log))
	}
	if rc.Len() != 0 {
		t.Errorf("Len() = %d after Clear", rc.Len())
	}
}

func TestCloseAllReturnsFirstError(t *testing.T) {
	var log []string
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	rc := NewResourceCleanup(logging.NewNopLogger())
	rc.Add(&fakeCloser{name: "a", log: &log, err: errA}, "a")
	rc.Add(&fakeCloser{name: "b", log: &log, err: errB}, "b")

	// Closes in reverse order, so b fails first
	if err := rc.CloseAll(); !errors.Is(err, errB) {
		t.Errorf("CloseAll() = %v, want %v", err, errB)
	}
	if len(log) != 2 {
		t.Errorf("closed %d resources despite errors, want 2", len(log))
	}
}
