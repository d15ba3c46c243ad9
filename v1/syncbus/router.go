package syncbus

import "sync"

// router maps keys to local subscriber channels. Remote buses share one
// server-side subscription and hand every received key to deliver; the
// router lock guards only the map and non-blocking sends, never I/O.
type router struct {
	mu     sync.Mutex
	subs   map[string][]chan struct{}
	closed bool
}

func newRouter() *router {
	return &router{subs: make(map[string][]chan struct{})}
}

// add registers a new channel on key. It returns false once the router is
// closed.
func (r *router) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	r.subs[key] = append(r.subs[key], ch)
	return ch, true
}

// remove drops ch from key and closes it.
func (r *router) remove(key string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := removeChan(r.subs[key], ch)
	if len(chans) == 0 {
		delete(r.subs, key)
		return
	}
	r.subs[key] = chans
}

// deliver notifies every channel on key and returns how many accepted.
// Delivery happens under the lock so a concurrent remove cannot close a
// channel mid-send.
func (r *router) deliver(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fanOut(r.subs[key])
}

func (r *router) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

func (r *router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// close closes every channel and rejects later adds. It reports whether
// this call did the closing.
func (r *router) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	for key, chans := range r.subs {
		for _, c := range chans {
			close(c)
		}
		delete(r.subs, key)
	}
	return true
}

// removeChan drops ch from chans, closing it if it was present.
func removeChan(chans []chan struct{}, ch chan struct{}) []chan struct{} {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			chans = chans[:len(chans)-1]
			close(c)
			break
		}
	}
	return chans
}

// fanOut delivers one notification to every channel without blocking and
// returns how many accepted it.
func fanOut(chans []chan struct{}) uint64 {
	var n uint64
	for _, c := range chans {
		select {
		case c <- struct{}{}:
			n++
		default:
		}
	}
	return n
}
