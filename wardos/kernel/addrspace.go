package kernel

import (
	"fmt"
	"sort"
)

// Perm is the access mask of a page table entry.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

const PermRW = PermRead | PermWrite

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Virtual layout of every user address space.
const (
	TextBase   uintptr = 0x0001_0000
	HeapBase   uintptr = 0x2000_0000
	IPCBase    uintptr = 0x4000_0000
	StackBase  uintptr = 0x7000_0000
	KernelBase uintptr = 0xF000_0000
)

// pte is one page table entry.
type pte struct {
	pfn  uint32
	perm Perm
	// lent marks a page of ours that is out on loan; we may neither touch nor unmap it.
	lent bool
	// borrowed marks a page mapped in from another process's lend.
	borrowed bool
}

const tlbEntries = 16

type tlbEntry struct {
	vpn   uintptr
	valid bool
	e     pte
}

// addressSpace is the per-process page table plus its translation cache.
type addressSpace struct {
	table map[uintptr]pte // vpn -> entry

	tlb     [tlbEntries]tlbEntry
	flushes uint64

	heapNext  uintptr
	ipcNext   uintptr
	stackNext uintptr

	// owned counts frames accounted to this process, including those lent out.
	owned   int
	lentOut int
}

func newAddressSpace() *addressSpace {
	return &addressSpace{
		table:     make(map[uintptr]pte),
		heapNext:  HeapBase,
		ipcNext:   IPCBase,
		stackNext: StackBase,
	}
}

func vpnOf(va uintptr) uintptr { return va / PageSize }

func pageAligned(va uintptr) bool { return va%PageSize == 0 }

// lookup translates through the TLB, refilling it from the table on a miss.
func (as *addressSpace) lookup(va uintptr) (pte, bool) {
	vpn := vpnOf(va)
	slot := &as.tlb[vpn%tlbEntries]
	if slot.valid && slot.vpn == vpn {
		return slot.e, true
	}
	e, ok := as.table[vpn]
	if !ok {
		return pte{}, false
	}
	*slot = tlbEntry{vpn: vpn, valid: true, e: e}
	return e, true
}

func (as *addressSpace) set(va uintptr, e pte) {
	as.table[vpnOf(va)] = e
	as.invalidate(va)
}

func (as *addressSpace) remove(va uintptr) {
	delete(as.table, vpnOf(va))
	as.invalidate(va)
}

// invalidate drops the cached translation for va. Only this address space's
// cache is touched.
func (as *addressSpace) invalidate(va uintptr) {
	vpn := vpnOf(va)
	slot := &as.tlb[vpn%tlbEntries]
	if slot.valid && slot.vpn == vpn {
		slot.valid = false
	}
	as.flushes++
}

// reserve hands out count consecutive unmapped pages of the region
// [start, limit), searching from the region cursor first and wrapping once.
func (as *addressSpace) reserve(cursor *uintptr, start, limit uintptr, count int) (uintptr, error) {
	size := uintptr(count) * PageSize
	if base, ok := as.scan(*cursor, limit, count); ok {
		*cursor = base + size
		return base, nil
	}
	if base, ok := as.scan(start, *cursor, count); ok {
		*cursor = base + size
		return base, nil
	}
	return 0, fmt.Errorf("reserve %d pages: %w", count, ErrOutOfMemory)
}

// fits reports whether reserve would find count pages, without moving the cursor.
func (as *addressSpace) fits(cursor, start, limit uintptr, count int) bool {
	if _, ok := as.scan(cursor, limit, count); ok {
		return true
	}
	_, ok := as.scan(start, cursor, count)
	return ok
}

func (as *addressSpace) scan(from, limit uintptr, count int) (uintptr, bool) {
	size := uintptr(count) * PageSize
	for base := from; base+size <= limit; base += PageSize {
		free := true
		for i := 0; i < count; i++ {
			if _, ok := as.table[vpnOf(base)+uintptr(i)]; ok {
				free = false
				base += uintptr(i) * PageSize
				break
			}
		}
		if free {
			return base, true
		}
	}
	return 0, false
}

// mappedPages lists mapped virtual addresses in ascending order.
func (as *addressSpace) mappedPages() []uintptr {
	out := make([]uintptr, 0, len(as.table))
	for vpn := range as.table {
		out = append(out, vpn*PageSize)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MemoryStats summarises a process's page accounting.
type MemoryStats struct {
	Owned      int
	LentOut    int
	Mapped     int
	TLBFlushes uint64
}

// AllocatePages maps count fresh zeroed frames at consecutive heap addresses
// and returns their virtual addresses. It is all-or-nothing.
func (k *Kernel) AllocatePages(pid PID, count int, perm Perm) ([]uintptr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.allocatePagesLocked(pid, count, perm)
}

func (k *Kernel) allocatePagesLocked(pid PID, count int, perm Perm) ([]uintptr, error) {
	if err := k.checkRunning(); err != nil {
		return nil, err
	}
	p, err := k.process(pid)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("allocate %d pages: %w", count, ErrInvalidArgument)
	}
	if perm == 0 {
		perm = PermRW
	}
	base, err := p.as.reserve(&p.as.heapNext, HeapBase, IPCBase, count)
	if err != nil {
		return nil, err
	}
	return k.mapFreshLocked(p, base, count, perm)
}

func (k *Kernel) mapFreshLocked(p *process, base uintptr, count int, perm Perm) ([]uintptr, error) {
	if k.frames.freeCount() < count {
		return nil, fmt.Errorf("allocate %d pages for %s: %w", count, p.pid, ErrOutOfMemory)
	}
	addrs := make([]uintptr, 0, count)
	for i := 0; i < count; i++ {
		pfn, ok := k.frames.alloc(p.pid)
		if !ok {
			k.fatal("frame pool shrank inside critical section")
			return nil, ErrHalted
		}
		va := base + uintptr(i)*PageSize
		p.as.set(va, pte{pfn: pfn, perm: perm})
		p.as.owned++
		addrs = append(addrs, va)
	}
	k.metrics.setFreePages(k.frames.freeCount())
	return addrs, nil
}

// MapPage maps the physical frame pfn at virt in pid's address space.
// The frame must be free; it is then owned by pid.
func (k *Kernel) MapPage(pfn uint32, virt uintptr, pid PID, perm Perm) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	if !pageAligned(virt) {
		return fmt.Errorf("map %#x: %w", virt, ErrInvalidAddress)
	}
	if virt >= KernelBase {
		return fmt.Errorf("map %#x into kernel range: %w", virt, ErrPermissionDenied)
	}
	f := k.frames.get(pfn)
	if f == nil {
		return fmt.Errorf("map frame %d: %w", pfn, ErrInvalidAddress)
	}
	if _, ok := p.as.table[vpnOf(virt)]; ok {
		return fmt.Errorf("map %#x: %w", virt, ErrAlreadyMapped)
	}
	switch {
	case f.state == frameFree:
		k.frames.claim(pfn, pid)
		p.as.owned++
	case f.owner == pid:
		// Every owned frame already has its single mapping.
		return fmt.Errorf("map frame %d twice: %w", pfn, ErrAlreadyMapped)
	default:
		return fmt.Errorf("map frame %d owned by %s: %w", pfn, f.owner, ErrPermissionDenied)
	}
	if perm == 0 {
		perm = PermRW
	}
	p.as.set(virt, pte{pfn: pfn, perm: perm})
	k.metrics.setFreePages(k.frames.freeCount())
	return nil
}

// UnmapPage removes the mapping at virt and returns its frame to the free
// pool. Pages out on loan fail with ErrResourceBusy; borrowed pages must be
// handed back with ReturnMemory instead.
func (k *Kernel) UnmapPage(virt uintptr, pid PID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	if err := k.checkUnmap(p, virt); err != nil {
		return err
	}
	k.unmapOwnedLocked(p, virt)
	return nil
}

// FreePages unmaps count pages starting at addr, validating all of them first.
func (k *Kernel) FreePages(pid PID, addr uintptr, count int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.freePagesLocked(pid, addr, count)
}

func (k *Kernel) freePagesLocked(pid PID, addr uintptr, count int) error {
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("free %d pages: %w", count, ErrInvalidArgument)
	}
	for i := 0; i < count; i++ {
		if err := k.checkUnmap(p, addr+uintptr(i)*PageSize); err != nil {
			return err
		}
	}
	for i := 0; i < count; i++ {
		k.unmapOwnedLocked(p, addr+uintptr(i)*PageSize)
	}
	return nil
}

func (k *Kernel) checkUnmap(p *process, virt uintptr) error {
	if !pageAligned(virt) {
		return fmt.Errorf("unmap %#x: %w", virt, ErrInvalidAddress)
	}
	if virt >= KernelBase {
		return fmt.Errorf("unmap %#x: %w", virt, ErrPermissionDenied)
	}
	e, ok := p.as.table[vpnOf(virt)]
	if !ok {
		return fmt.Errorf("unmap %#x: %w", virt, ErrInvalidAddress)
	}
	if e.lent {
		return fmt.Errorf("unmap %#x while lent: %w", virt, ErrResourceBusy)
	}
	if e.borrowed {
		return fmt.Errorf("unmap borrowed %#x: %w", virt, ErrProtocolViolation)
	}
	return nil
}

func (k *Kernel) unmapOwnedLocked(p *process, virt uintptr) {
	e := p.as.table[vpnOf(virt)]
	p.as.remove(virt)
	p.as.owned--
	if !k.frames.release(e.pfn) {
		k.fatal(fmt.Sprintf("double free of frame %d", e.pfn))
		return
	}
	k.metrics.setFreePages(k.frames.freeCount())
}

// Translate resolves virt in pid's address space to a physical frame and
// offset. Writes require a writable mapping.
func (k *Kernel) Translate(pid PID, virt uintptr, write bool) (pfn uint32, offset uintptr, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return 0, 0, err
	}
	p, err := k.process(pid)
	if err != nil {
		return 0, 0, err
	}
	e, err := translate(p, virt, write)
	if err != nil {
		return 0, 0, err
	}
	return e.pfn, virt % PageSize, nil
}

func translate(p *process, virt uintptr, write bool) (pte, error) {
	if virt >= KernelBase {
		return pte{}, fmt.Errorf("access %#x: %w", virt, ErrPermissionDenied)
	}
	e, ok := p.as.lookup(virt)
	if !ok {
		return pte{}, fmt.Errorf("access %#x: %w", virt, ErrInvalidAddress)
	}
	if e.lent {
		return pte{}, fmt.Errorf("access lent page %#x: %w", virt, ErrResourceBusy)
	}
	if write && e.perm&PermWrite == 0 {
		return pte{}, fmt.Errorf("write to read-only %#x: %w", virt, ErrPermissionDenied)
	}
	if !write && e.perm&PermRead == 0 {
		return pte{}, fmt.Errorf("read of unreadable %#x: %w", virt, ErrPermissionDenied)
	}
	return e, nil
}

// ReadMemory copies len(buf) bytes from pid's address space starting at virt.
func (k *Kernel) ReadMemory(pid PID, virt uintptr, buf []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	return k.copyLocked(p, virt, buf, false)
}

// WriteMemory copies data into pid's address space starting at virt.
func (k *Kernel) WriteMemory(pid PID, virt uintptr, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	return k.copyLocked(p, virt, data, true)
}

func (k *Kernel) copyLocked(p *process, virt uintptr, b []byte, write bool) error {
	// Validate the whole range first so a fault never leaves a partial copy.
	for va := virt &^ (PageSize - 1); va < virt+uintptr(len(b)); va += PageSize {
		if _, err := translate(p, va, write); err != nil {
			return err
		}
	}
	for done := 0; done < len(b); {
		va := virt + uintptr(done)
		e, _ := translate(p, va, write)
		page := k.frames.page(e.pfn)[va%PageSize:]
		var n int
		if write {
			n = copy(page, b[done:])
		} else {
			n = copy(b[done:], page)
		}
		done += n
	}
	return nil
}

// Memory reports page accounting for pid.
func (k *Kernel) Memory(pid PID) (MemoryStats, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return MemoryStats{}, err
	}
	return MemoryStats{
		Owned:      p.as.owned,
		LentOut:    p.as.lentOut,
		Mapped:     len(p.as.table),
		TLBFlushes: p.as.flushes,
	}, nil
}

// FreeFrames returns the number of frames in the global free pool.
func (k *Kernel) FreeFrames() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.frames.freeCount()
}

// frameOf returns the frame mapped at virt in pid's address space.
func (k *Kernel) frameOf(pid PID, virt uintptr) (uint32, bool) {
	p, err := k.process(pid)
	if err != nil {
		return 0, false
	}
	e, ok := p.as.table[vpnOf(virt)]
	return e.pfn, ok
}
