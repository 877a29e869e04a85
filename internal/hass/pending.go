package hass

import "sync"

// pendingRequest is a single-assignment result cell for one in-flight
// command. The first resolve or fail wins; later calls are no-ops.
type pendingRequest struct {
	id      int64
	msgType string

	done chan struct{}
	once sync.Once
	resp *incomingMessage
	err  error
}

func newPendingRequest(id int64, msgType string) *pendingRequest {
	return &pendingRequest{
		id:      id,
		msgType: msgType,
		done:    make(chan struct{}),
	}
}

// resolve fulfils the request with a response. Returns false if it was
// already fulfilled.
func (p *pendingRequest) resolve(msg *incomingMessage) bool {
	set := false
	p.once.Do(func() {
		p.resp = msg
		set = true
		close(p.done)
	})
	return set
}

// fail fulfils the request with an error. Returns false if it was already
// fulfilled.
func (p *pendingRequest) fail(err error) bool {
	set := false
	p.once.Do(func() {
		p.err = err
		set = true
		close(p.done)
	})
	return set
}

// Done is closed once the request is fulfilled.
func (p *pendingRequest) Done() <-chan struct{} {
	return p.done
}

// pendingTable is the correlation table: request ID → pending cell.
// Critical sections are limited to insert and remove.
type pendingTable struct {
	mu      sync.Mutex
	entries map[int64]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[int64]*pendingRequest)}
}

func (t *pendingTable) add(p *pendingRequest) {
	t.mu.Lock()
	t.entries[p.id] = p
	t.mu.Unlock()
}

// take removes and returns the entry for id.
func (t *pendingTable) take(id int64) (*pendingRequest, bool) {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	return p, ok
}

// remove drops the entry for id only if it is still p.
func (t *pendingTable) remove(p *pendingRequest) {
	t.mu.Lock()
	if cur, ok := t.entries[p.id]; ok && cur == p {
		delete(t.entries, p.id)
	}
	t.mu.Unlock()
}

// drain empties the table and returns what it held.
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	out := make([]*pendingRequest, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p)
	}
	t.entries = make(map[int64]*pendingRequest)
	t.mu.Unlock()
	return out
}

// failAll drains the table and fails every entry with err.
// Returns how many entries were failed.
func (t *pendingTable) failAll(err error) int {
	n := 0
	for _, p := range t.drain() {
		if p.fail(err) {
			n++
		}
	}
	return n
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
