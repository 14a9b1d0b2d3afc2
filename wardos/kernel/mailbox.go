package kernel

// mailbox is a bounded FIFO ring of envelopes.
type mailbox struct {
	tail  int
	count int
	slots []*envelope
}

func newMailbox(depth int) mailbox {
	return mailbox{slots: make([]*envelope, depth)}
}

func (mb *mailbox) len() int { return mb.count }

func (mb *mailbox) free() int { return len(mb.slots) - mb.count }

func (mb *mailbox) push(env *envelope) bool {
	if mb.count >= len(mb.slots) {
		return false
	}
	mb.slots[(mb.tail+mb.count)%len(mb.slots)] = env
	mb.count++
	return true
}

func (mb *mailbox) pop() (*envelope, bool) {
	if mb.count == 0 {
		return nil, false
	}
	env := mb.slots[mb.tail]
	mb.slots[mb.tail] = nil
	mb.tail = (mb.tail + 1) % len(mb.slots)
	mb.count--
	return env, true
}

// requeue puts env back at the head, undoing the pop that took it.
func (mb *mailbox) requeue(env *envelope) bool {
	if mb.count >= len(mb.slots) {
		return false
	}
	mb.tail = (mb.tail + len(mb.slots) - 1) % len(mb.slots)
	mb.slots[mb.tail] = env
	mb.count++
	return true
}

// drain empties the mailbox in FIFO order.
func (mb *mailbox) drain() []*envelope {
	var out []*envelope
	for {
		env, ok := mb.pop()
		if !ok {
			return out
		}
		out = append(out, env)
	}
}
