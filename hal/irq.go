package hal

import "sync/atomic"

const irqSlots = 64

type irqSlot struct {
	// seq is 2*lap while the slot is free for that lap and 2*lap+1 once
	// it holds that lap's value.
	seq atomic.Uint64
	src uint32
}

// IRQRing is a fixed-size multi-producer, single-consumer queue of interrupt
// source numbers. It never allocates or blocks, so devices can raise from
// any goroutine.
type IRQRing struct {
	_     [0]func() // prevent accidental copying.
	head  atomic.Uint64
	tail  uint64
	slots [irqSlots]irqSlot
}

// TryPush enqueues src, returning false if the ring is full.
func (r *IRQRing) TryPush(src uint32) bool {
	for {
		pos := r.head.Load()
		slot := &r.slots[pos%irqSlots]
		lap := pos / irqSlots
		seq := slot.seq.Load()
		switch {
		case seq == 2*lap:
			if !r.head.CompareAndSwap(pos, pos+1) {
				continue
			}
			slot.src = src
			slot.seq.Store(2*lap + 1)
			return true
		case seq < 2*lap:
			return false
		}
		// Another producer took pos; reload.
	}
}

// TryPop dequeues one source, returning false if empty. Only one goroutine
// may pop.
func (r *IRQRing) TryPop() (uint32, bool) {
	pos := r.tail
	slot := &r.slots[pos%irqSlots]
	lap := pos / irqSlots
	if slot.seq.Load() != 2*lap+1 {
		return 0, false
	}
	src := slot.src
	slot.seq.Store(2 * (lap + 1))
	r.tail++
	return src, true
}
