package kernel

// PageSize is the size of one physical frame and one virtual page.
const PageSize = 4096

type frameState uint8

const (
	frameFree frameState = iota
	// frameOwned is mapped into (or reserved by) exactly one process.
	frameOwned
	// frameInTransit belongs to the receiver of a queued memory Send but is
	// mapped nowhere until the receiver picks the message up.
	frameInTransit
	// frameLent stays accounted to the lender while a borrower may map it.
	frameLent
	// frameOrphaned was lent by a process that has since terminated; it is
	// freed when the borrower returns it or terminates.
	frameOrphaned
)

func (s frameState) String() string {
	switch s {
	case frameFree:
		return "free"
	case frameOwned:
		return "owned"
	case frameInTransit:
		return "in_transit"
	case frameLent:
		return "lent"
	case frameOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

type frame struct {
	state    frameState
	owner    PID
	borrower PID
}

// frameTable owns the physical RAM arena and the per-frame ownership record,
// indexed by physical frame number (PFN).
type frameTable struct {
	frames []frame
	free   []uint32
	ram    []byte
}

func newFrameTable(ram []byte) *frameTable {
	n := len(ram) / PageSize
	ft := &frameTable{
		frames: make([]frame, n),
		free:   make([]uint32, 0, n),
		ram:    ram,
	}
	for pfn := 0; pfn < n; pfn++ {
		ft.free = append(ft.free, uint32(pfn))
	}
	return ft
}

func (ft *frameTable) total() int { return len(ft.frames) }

func (ft *frameTable) freeCount() int { return len(ft.free) }

// alloc hands out a zeroed frame owned by owner.
func (ft *frameTable) alloc(owner PID) (uint32, bool) {
	if len(ft.free) == 0 {
		return 0, false
	}
	pfn := ft.free[0]
	ft.free = ft.free[1:]
	clear(ft.page(pfn))
	ft.frames[pfn] = frame{state: frameOwned, owner: owner}
	return pfn, true
}

// claim takes a specific free frame out of the pool.
func (ft *frameTable) claim(pfn uint32, owner PID) bool {
	if int(pfn) >= len(ft.frames) || ft.frames[pfn].state != frameFree {
		return false
	}
	for i, f := range ft.free {
		if f == pfn {
			ft.free = append(ft.free[:i], ft.free[i+1:]...)
			break
		}
	}
	clear(ft.page(pfn))
	ft.frames[pfn] = frame{state: frameOwned, owner: owner}
	return true
}

// release returns a frame to the free pool. Releasing a free frame is a
// bookkeeping corruption and reported to the caller.
func (ft *frameTable) release(pfn uint32) bool {
	if int(pfn) >= len(ft.frames) || ft.frames[pfn].state == frameFree {
		return false
	}
	ft.frames[pfn] = frame{}
	ft.free = append(ft.free, pfn)
	return true
}

func (ft *frameTable) page(pfn uint32) []byte {
	off := int(pfn) * PageSize
	return ft.ram[off : off+PageSize]
}

func (ft *frameTable) get(pfn uint32) *frame {
	if int(pfn) >= len(ft.frames) {
		return nil
	}
	return &ft.frames[pfn]
}
