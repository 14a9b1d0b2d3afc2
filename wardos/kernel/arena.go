package kernel

// arena is a fixed-capacity slot table with free-list recycling.
//
// Every slot carries a generation that is bumped on release, so a handle made
// of (index, generation) goes stale as soon as its slot is reused. Free slots
// are recycled in FIFO order to keep reuse of a given index as late as possible.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint16
	used  int
}

type arenaSlot[T any] struct {
	gen  uint16
	live bool
	val  T
}

func newArena[T any](capacity int) *arena[T] {
	if capacity > 1<<16-1 {
		capacity = 1<<16 - 1
	}
	a := &arena[T]{
		slots: make([]arenaSlot[T], capacity),
		free:  make([]uint16, 0, capacity),
	}
	for i := range a.slots {
		a.slots[i].gen = 1
		a.free = append(a.free, uint16(i))
	}
	return a
}

// alloc reserves a slot and stores v in it.
func (a *arena[T]) alloc(v T) (idx, gen uint16, ok bool) {
	if len(a.free) == 0 {
		return 0, 0, false
	}
	idx = a.free[0]
	a.free = a.free[1:]
	s := &a.slots[idx]
	s.live = true
	s.val = v
	a.used++
	return idx, s.gen, true
}

func (a *arena[T]) get(idx, gen uint16) (T, bool) {
	var zero T
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.live || s.gen != gen {
		return zero, false
	}
	return s.val, true
}

// release frees the slot and invalidates all outstanding handles to it.
func (a *arena[T]) release(idx, gen uint16) bool {
	if int(idx) >= len(a.slots) {
		return false
	}
	s := &a.slots[idx]
	if !s.live || s.gen != gen {
		return false
	}
	var zero T
	s.val = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, idx)
	a.used--
	return true
}

func (a *arena[T]) len() int { return a.used }

func (a *arena[T]) cap() int { return len(a.slots) }

// each visits live slots in index order.
func (a *arena[T]) each(fn func(v T)) {
	for i := range a.slots {
		if a.slots[i].live {
			fn(a.slots[i].val)
		}
	}
}
