package hal

import (
	"runtime"
	"sync"
	"testing"
)

func TestIRQRingTryPopEmpty(t *testing.T) {
	var r IRQRing

	_, ok := r.TryPop()
	if ok {
		t.Fatalf("TryPop() ok = true, want false")
	}
}

func TestIRQRingTryPushFull(t *testing.T) {
	var r IRQRing

	for lap := 0; lap < 3; lap++ {
		for i := 0; i < irqSlots; i++ {
			if ok := r.TryPush(uint32(i)); !ok {
				t.Fatalf("lap %d: TryPush() ok = false at slot %d, want true", lap, i)
			}
		}
		if ok := r.TryPush(99); ok {
			t.Fatalf("lap %d: TryPush() ok = true when full, want false", lap)
		}
		for i := 0; i < irqSlots; i++ {
			src, ok := r.TryPop()
			if !ok || src != uint32(i) {
				t.Fatalf("lap %d: TryPop() = %d, %v, want %d, true", lap, src, ok, i)
			}
		}
	}
}

func TestIRQRingConcurrentProducers(t *testing.T) {
	oldProcs := runtime.GOMAXPROCS(4)
	defer runtime.GOMAXPROCS(oldProcs)

	const (
		producers = 4
		perProd   = 10_000
		total     = producers * perProd
	)

	var r IRQRing

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(producers)
	for producerID := 0; producerID < producers; producerID++ {
		go func(producerID int) {
			defer wg.Done()
			<-start
			for i := 0; i < perProd; i++ {
				for !r.TryPush(uint32(producerID*perProd + i)) {
					runtime.Gosched()
				}
			}
		}(producerID)
	}
	close(start)

	seen := make([]bool, total)
	for n := 0; n < total; {
		id, ok := r.TryPop()
		if !ok {
			runtime.Gosched()
			continue
		}
		if int(id) >= total {
			t.Fatalf("TryPop() id = %d, want < %d", id, total)
		}
		if seen[id] {
			t.Fatalf("TryPop() duplicate id %d", id)
		}
		seen[id] = true
		n++
	}

	wg.Wait()
}

func TestHostInterruptsNotifyAndDrain(t *testing.T) {
	irq := newHostInterrupts()
	if !irq.Raise(3) || !irq.Raise(5) {
		t.Fatalf("Raise() = false, want true")
	}
	if irq.Raise(-1) {
		t.Fatalf("Raise(-1) = true, want false")
	}
	select {
	case <-irq.Notify():
	default:
		t.Fatalf("Notify() not signalled")
	}
	var got []int
	irq.Drain(func(src int) { got = append(got, src) })
	if len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Fatalf("Drain() = %v, want [3 5]", got)
	}
}
