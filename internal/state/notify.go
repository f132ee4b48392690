package state

import "sync"

// ChangeKind classifies a committed store change.
type ChangeKind string

const (
	ChangeTaskCreated   ChangeKind = "task_created"
	ChangeTaskUpdated   ChangeKind = "task_updated"
	ChangeCriticResult  ChangeKind = "critic_result"
	ChangeContextEntry  ChangeKind = "context_entry"
	ChangeSession       ChangeKind = "session"
	ChangeExternalWrite ChangeKind = "external_write"
)

// Change describes one committed mutation.
type Change struct {
	TaskID string
	Kind   ChangeKind
}

// ChangeBatch collects the changes made inside one transaction.
type ChangeBatch struct {
	changes []Change
}

// Add records a change to publish after commit.
func (b *ChangeBatch) Add(taskID string, kind ChangeKind) {
	b.changes = append(b.changes, Change{TaskID: taskID, Kind: kind})
}

// Notifier fans committed changes out to listeners. Callbacks registered
// with OnChange run synchronously on the writer's goroutine, so they must not
// write to the store. Channel subscribers receive changes without blocking
// the writer; a slow subscriber misses changes but always sees the latest
// one eventually because the buffer keeps room for it.
type Notifier struct {
	mu        sync.Mutex
	nextID    int
	callbacks map[int]func(Change)
	subs      map[int]chan Change
	closed    bool
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		callbacks: make(map[int]func(Change)),
		subs:      make(map[int]chan Change),
	}
}

// OnChange registers fn and returns a function that unregisters it.
func (n *Notifier) OnChange(fn func(Change)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.callbacks[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.callbacks, id)
		n.mu.Unlock()
	}
}

// Subscribe returns a buffered channel of changes and an unsubscribe
// function. The channel is closed on unsubscribe or when the notifier closes.
func (n *Notifier) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan Change, buffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
}

// Publish broadcasts changes made outside a transaction, such as writes
// observed from another process.
func (n *Notifier) Publish(c Change) {
	n.publish([]Change{c})
}

func (n *Notifier) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	callbacks := make([]func(Change), 0, len(n.callbacks))
	for _, fn := range n.callbacks {
		callbacks = append(callbacks, fn)
	}
	for _, ch := range n.subs {
		for _, c := range changes {
			select {
			case ch <- c:
			default:
				// Drop the oldest queued change to make room for the newest.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- c:
				default:
				}
			}
		}
	}
	n.mu.Unlock()

	for _, fn := range callbacks {
		for _, c := range changes {
			fn(c)
		}
	}
}

// Close closes every subscriber channel. Further publishes are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
