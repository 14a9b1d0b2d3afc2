package kernel

import "testing"

func TestArenaGenerations(t *testing.T) {
	a := newArena[string](2)

	i0, g0, ok := a.alloc("a")
	if !ok {
		t.Fatal("alloc() ok = false, want true")
	}
	if _, _, ok := a.alloc("b"); !ok {
		t.Fatal("alloc() ok = false, want true")
	}
	if _, _, ok := a.alloc("c"); ok {
		t.Fatal("alloc() on full arena ok = true, want false")
	}

	if !a.release(i0, g0) {
		t.Fatal("release() = false, want true")
	}
	if a.release(i0, g0) {
		t.Fatal("second release() = true, want false")
	}
	if _, ok := a.get(i0, g0); ok {
		t.Fatal("get() with stale generation ok = true, want false")
	}

	i2, g2, ok := a.alloc("d")
	if !ok || i2 != i0 || g2 == g0 {
		t.Fatalf("alloc() = %d/%d, want slot %d with a new generation", i2, g2, i0)
	}
	if v, ok := a.get(i2, g2); !ok || v != "d" {
		t.Fatalf("get() = %q, %v, want %q, true", v, ok, "d")
	}
	if a.len() != 2 || a.cap() != 2 {
		t.Fatalf("len, cap = %d, %d, want 2, 2", a.len(), a.cap())
	}
}

func TestArenaRecyclesFIFO(t *testing.T) {
	a := newArena[int](3)
	var idx [3]uint16
	var gen [3]uint16
	for i := range idx {
		idx[i], gen[i], _ = a.alloc(i)
	}
	a.release(idx[2], gen[2])
	a.release(idx[0], gen[0])

	got, _, _ := a.alloc(9)
	if got != idx[2] {
		t.Fatalf("alloc() slot = %d, want %d (oldest free)", got, idx[2])
	}
}

func TestMailboxRing(t *testing.T) {
	mb := newMailbox(2)
	e1, e2, e3 := &envelope{}, &envelope{}, &envelope{}

	if !mb.push(e1) || !mb.push(e2) {
		t.Fatal("push() = false, want true")
	}
	if mb.push(e3) {
		t.Fatal("push() on full mailbox = true, want false")
	}
	if got, _ := mb.pop(); got != e1 {
		t.Fatal("pop() returned messages out of order")
	}
	if !mb.push(e3) {
		t.Fatal("push() after pop = false, want true")
	}
	if got := mb.drain(); len(got) != 2 || got[0] != e2 || got[1] != e3 {
		t.Fatalf("drain() = %v, want [e2 e3]", got)
	}
	if _, ok := mb.pop(); ok {
		t.Fatal("pop() on empty mailbox ok = true, want false")
	}
}
