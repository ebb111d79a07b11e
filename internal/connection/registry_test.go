package connection

import (
	"sort"
	"strconv"
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry[int]()
	r.Add("a", 1)
	r.Add("b", 2)
	r.Add("a", 3)

	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	if v, ok := r.Get("a"); !ok || v != 3 {
		t.Errorf("Get(a) = %d, %v, want 3, true", v, ok)
	}

	r.Remove("a")
	r.Remove("missing")
	if _, ok := r.Get("a"); ok {
		t.Error("Get(a) found a removed handle")
	}

	got := r.Snapshot()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("Snapshot() = %v, want [2]", got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := strconv.Itoa(i)
			r.Add(h, i)
			r.Get(h)
			if i%2 == 0 {
				r.Remove(h)
			}
		}(i)
	}
	wg.Wait()

	got := r.Snapshot()
	sort.Ints(got)
	if len(got) != 25 {
		t.Fatalf("len(Snapshot()) = %d, want 25", len(got))
	}
	for _, v := range got {
		if v%2 == 0 {
			t.Errorf("Snapshot() holds removed value %d", v)
		}
	}
}
