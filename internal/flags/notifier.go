package flags

import "sync"

const defaultSubscriberBuffer = 256

// Subscription delivers changes for one document kind in commit order.
// Changes is closed when the subscriber falls behind or Close is called.
type Subscription struct {
	Changes <-chan Change
	cancel  func()
}

func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Notifier fans committed changes out to subscribers. Store implementations
// call Publish while holding their write lock so ordering matches commits.
type Notifier struct {
	mu     sync.Mutex
	subs   map[Kind]map[chan Change]struct{}
	buffer int
}

func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Notifier{subs: map[Kind]map[chan Change]struct{}{}, buffer: buffer}
}

func (n *Notifier) Subscribe(kind Kind) Subscription {
	ch := make(chan Change, n.buffer)
	n.mu.Lock()
	if n.subs[kind] == nil {
		n.subs[kind] = map[chan Change]struct{}{}
	}
	n.subs[kind][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return Subscription{
		Changes: ch,
		cancel: func() {
			once.Do(func() { n.remove(kind, ch) })
		},
	}
}

func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[c.Ref.Kind] {
		select {
		case ch <- c:
		default:
			// Subscriber is slow/full - drop it; it resubscribes and rebuilds.
			close(ch)
			delete(n.subs[c.Ref.Kind], ch)
		}
	}
}

func (n *Notifier) remove(kind Kind, ch chan Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[kind][ch]; ok {
		close(ch)
		delete(n.subs[kind], ch)
	}
}

// Close closes every subscriber channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for kind, set := range n.subs {
		for ch := range set {
			close(ch)
		}
		delete(n.subs, kind)
	}
}
