package shot

import (
	"context"
	"sort"
	"testing"

	"github.com/basket/tgway/internal/store"
)

func TestIntersectSingleSet(t *testing.T) {
	got := intersect([][]int64{{1, 2, 3}})
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []int64{1, 2, 3}
	if !equalInt64(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestIntersectMultipleSets(t *testing.T) {
	got := intersect([][]int64{{1, 2, 3}, {2, 3, 4}, {3, 4, 5}})
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []int64{3}
	if !equalInt64(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestIntersectEmptySets(t *testing.T) {
	got := intersect(nil)
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestResolveTargetsRejectsUnknownFilter(t *testing.T) {
	_, err := ResolveTargets(context.Background(), &store.Store{}, "acme", []string{"not_a_real_filter"})
	if err == nil {
		t.Fatal("expected unknown filter to error")
	}
}

func TestResolveTargetsRequiresAtLeastOneFilter(t *testing.T) {
	_, err := ResolveTargets(context.Background(), &store.Store{}, "acme", nil)
	if err == nil {
		t.Fatal("expected empty filter list to error")
	}
}

func TestPaymentsStubFiltersReturnSentinelError(t *testing.T) {
	_, err := filterPaymentsStub(context.Background(), &store.Store{}, "acme")
	if err != ErrNoPaymentsCollaborator {
		t.Fatalf("expected ErrNoPaymentsCollaborator, got %v", err)
	}
}

func TestNewWorkerDefaultsLogger(t *testing.T) {
	w := New(nil, nil, nil)
	if w.logger == nil {
		t.Fatal("expected New to default the logger when nil is passed")
	}
}

func equalInt64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
