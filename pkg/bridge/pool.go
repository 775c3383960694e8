package bridge

import "sync"

// Pool caches one Channel per device serial. A Channel's lease state and
// its single command goroutine must be shared between whatever acquires
// it — a running job and an ad-hoc UI request both need to see the same
// owner field to make TryLease's fast-fail meaningful.
type Pool struct {
	notifier OfflineNotifier

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewPool creates an empty channel pool. notifier is passed through to
// every Channel it creates.
func NewPool(notifier OfflineNotifier) *Pool {
	return &Pool{notifier: notifier, channels: make(map[string]*Channel)}
}

// Get returns the cached Channel for serial, creating one on first use.
func (p *Pool) Get(serial string) (*Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.channels[serial]; ok {
		return c, nil
	}
	c, err := NewChannel(serial, p.notifier)
	if err != nil {
		return nil, err
	}
	p.channels[serial] = c
	return c, nil
}

// Close stops every pooled Channel's command loop.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.channels {
		c.Close()
	}
	p.channels = make(map[string]*Channel)
}
