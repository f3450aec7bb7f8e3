package recon

import "sync"

// Notifier fans reconciliation outcomes out to in-process subscribers keyed
// by bill reference. Payment sessions waiting on a push subscribe here so a
// callback arriving on one request goroutine can complete a session blocked
// on another.
type Notifier struct {
	mu   sync.Mutex
	subs map[string][]chan Outcome
}

// NewNotifier creates a new notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string][]chan Outcome)}
}

// Subscribe registers interest in outcomes for a bill reference. The cancel
// function must be called when the subscriber is done; it is safe to call
// more than once.
func (n *Notifier) Subscribe(billRef string) (<-chan Outcome, func()) {
	ch := make(chan Outcome, 1)

	n.mu.Lock()
	n.subs[billRef] = append(n.subs[billRef], ch)
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			chans := n.subs[billRef]
			for i, c := range chans {
				if c == ch {
					n.subs[billRef] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(n.subs[billRef]) == 0 {
				delete(n.subs, billRef)
			}
		})
	}
	return ch, cancel
}

// Notify delivers an outcome to every subscriber of the bill reference.
// Delivery never blocks; a subscriber that already has a buffered outcome
// it has not drained misses the new one.
func (n *Notifier) Notify(billRef string, outcome Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[billRef] {
		select {
		case ch <- outcome:
		default:
		}
	}
}
