package kernel

import "runtime"

// Context is a goroutine-backed thread's view of the kernel. Every method is
// a trap: it runs the kernel operation as the calling thread and, if the
// operation blocks, gives the core away until the thread is woken and
// dispatched again.
//
// A Context must only be used from the thread it was handed to.
type Context struct {
	k   *Kernel
	t   *thread
	tid TID
	pid PID
}

// TID returns the calling thread.
func (c *Context) TID() TID { return c.tid }

// PID returns the calling process.
func (c *Context) PID() PID { return c.pid }

// finish turns the immediate outcome of a kernel call into its final one.
func (c *Context) finish(res Result, err error) (Result, error) {
	if err != nil {
		c.checkKilled()
		return Result{}, err
	}
	if res.Pending {
		res = c.park()
	} else {
		c.checkKilled()
	}
	return res, res.Err
}

// park hands the core back and waits to be dispatched again.
func (c *Context) park() Result {
	r := c.t.runner
	r.trap <- struct{}{}
	select {
	case <-r.resume:
	case <-r.killed:
		runtime.Goexit()
	}
	c.k.mu.Lock()
	res, _ := c.t.takeResult()
	c.k.mu.Unlock()
	return res
}

func (c *Context) checkKilled() {
	select {
	case <-c.t.runner.killed:
		runtime.Goexit()
	default:
	}
}

// Exit terminates the calling thread.
func (c *Context) Exit() {
	_ = c.k.TerminateThread(c.tid)
	runtime.Goexit()
}

// Yield lets other Ready threads of the same or a higher band run first.
func (c *Context) Yield() {
	if err := c.k.Yield(c.tid); err != nil {
		c.checkKilled()
		return
	}
	c.park()
}

// Sleep blocks for ticks timer ticks.
func (c *Context) Sleep(ticks uint64) error {
	_, err := c.finish(c.k.Sleep(c.tid, ticks))
	return err
}

// Now returns the current tick.
func (c *Context) Now() uint64 { return c.k.Now() }

func (c *Context) Connect(sid ServerID) (Connection, error) {
	conn, err := c.k.Connect(c.pid, sid)
	c.checkKilled()
	return conn, err
}

func (c *Context) Disconnect(conn Connection) error {
	return c.k.Disconnect(c.pid, conn)
}

func (c *Context) CreateServer() (ServerID, error) {
	return c.k.CreateServer(c.pid)
}

func (c *Context) CreateServerWithID(sid ServerID) (ServerID, error) {
	return c.k.CreateServerWithID(c.pid, sid)
}

func (c *Context) DestroyServer(sid ServerID) error {
	return c.k.DestroyServer(c.pid, sid)
}

// ServerOwner reports the process that owns sid.
func (c *Context) ServerOwner(sid ServerID) (PID, error) {
	return c.k.ServerOwner(sid)
}

// SendScalar posts a scalar message. A blocking send returns once the
// message is queued or delivered.
func (c *Context) SendScalar(conn Connection, msg Message, opts SendOptions) error {
	_, err := c.finish(c.k.SendScalar(c.tid, conn, msg, opts))
	return err
}

// SendBlockingScalar posts a scalar message and waits for the reply words.
func (c *Context) SendBlockingScalar(conn Connection, msg Message, opts SendOptions) ([4]uintptr, error) {
	res, err := c.finish(c.k.SendBlockingScalar(c.tid, conn, msg, opts))
	return res.Reply, err
}

// SendMemory posts a memory message. For Lend and LendMut it returns the
// offset and valid hints passed back with the Return.
func (c *Context) SendMemory(conn Connection, msg Message, opts SendOptions) (offset, valid uintptr, err error) {
	res, err := c.finish(c.k.SendMemory(c.tid, conn, msg, opts))
	return res.Reply[0], res.Reply[1], err
}

// Receive waits for the next message on a server the process owns.
func (c *Context) Receive(sid ServerID) (Envelope, error) {
	res, err := c.finish(c.k.Receive(c.tid, sid))
	return res.Envelope, err
}

// TryReceive fails with ErrWouldBlock when no message is queued.
func (c *Context) TryReceive(sid ServerID) (Envelope, error) {
	env, err := c.k.TryReceive(c.tid, sid)
	c.checkKilled()
	return env, err
}

func (c *Context) ReturnScalar(sender Sender, reply ...uintptr) error {
	var words [4]uintptr
	copy(words[:], reply)
	return c.k.ReturnScalar(c.tid, sender, words)
}

func (c *Context) ReturnMemory(sender Sender, offset, valid uintptr) error {
	return c.k.ReturnMemory(c.tid, sender, offset, valid)
}

func (c *Context) AllocatePages(count int, perm Perm) ([]uintptr, error) {
	return c.k.AllocatePages(c.pid, count, perm)
}

func (c *Context) FreePages(addr uintptr, count int) error {
	return c.k.FreePages(c.pid, addr, count)
}

func (c *Context) ReadMemory(virt uintptr, buf []byte) error {
	return c.k.ReadMemory(c.pid, virt, buf)
}

func (c *Context) WriteMemory(virt uintptr, data []byte) error {
	return c.k.WriteMemory(c.pid, virt, data)
}

func (c *Context) ClaimInterrupt(source int, sid ServerID) error {
	return c.k.ClaimInterrupt(c.pid, source, sid)
}

func (c *Context) FreeInterrupt(source int) error {
	return c.k.FreeInterrupt(c.pid, source)
}

// SpawnThread starts another thread of this process at the image symbol entry.
func (c *Context) SpawnThread(entry, stack, arg uintptr) (TID, error) {
	return c.k.SpawnThread(c.pid, entry, stack, arg)
}

// Syscall traps with a raw call, as a compiled program would.
func (c *Context) Syscall(call Call) Result {
	res := c.k.Dispatch(c.tid, call)
	if res.Pending {
		res = c.park()
	} else {
		c.checkKilled()
	}
	return res
}
