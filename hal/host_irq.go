//go:build !tinygo

package hal

type hostInterrupts struct {
	ring   IRQRing
	notify chan struct{}
}

func newHostInterrupts() *hostInterrupts {
	return &hostInterrupts{notify: make(chan struct{}, 1)}
}

func (h *hostInterrupts) Raise(source int) bool {
	if source < 0 {
		return false
	}
	ok := h.ring.TryPush(uint32(source))
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return ok
}

func (h *hostInterrupts) Notify() <-chan struct{} { return h.notify }

func (h *hostInterrupts) Drain(fn func(source int)) {
	for {
		src, ok := h.ring.TryPop()
		if !ok {
			return
		}
		fn(int(src))
	}
}
