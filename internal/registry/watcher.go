package registry

import "sync"

// watcher is an unbounded, ordered queue between the registry goroutine and
// one subscriber.
type watcher struct {
	mu      sync.Mutex
	queue   []Change
	wake    chan struct{}
	out     chan Change
	quit    chan struct{}
	stopped bool
}

func newWatcher() *watcher {
	w := &watcher{
		wake: make(chan struct{}, 1),
		out:  make(chan Change),
		quit: make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *watcher) push(c Change) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, c)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.quit)
	}
}

func (w *watcher) pump() {
	defer close(w.out)
	for {
		w.mu.Lock()
		var next *Change
		if len(w.queue) > 0 {
			c := w.queue[0]
			w.queue = w.queue[1:]
			next = &c
		}
		w.mu.Unlock()

		if next == nil {
			select {
			case <-w.wake:
				continue
			case <-w.quit:
				return
			}
		}
		select {
		case w.out <- *next:
		case <-w.quit:
			return
		}
	}
}
