package peer

import "sync"

// dispatcher runs posted functions one at a time, in order, on its own
// goroutine. post never blocks, so pion's internal goroutines are never held
// up by a slow handler.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()

	if d.stopped {
		d.mu.Unlock()

		return
	}

	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}

		for {
			fn, ok := d.next()
			if !ok {
				break
			}

			fn()
		}
	}
}

func (d *dispatcher) next() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.queue) == 0 {
		return nil, false
	}

	fn := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]

	return fn, true
}

// stop drops everything still queued. A function already running finishes.
func (d *dispatcher) stop() {
	d.once.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.queue = nil
		d.mu.Unlock()

		close(d.done)
	})
}
