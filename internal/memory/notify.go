package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Change notification ops.
const (
	OpRecord    = "record"
	OpSupersede = "supersede"
	OpAccept    = "accept"
	OpLink      = "link"
	OpPurge     = "purge"
	OpDemote    = "demote"
	// OpExternal reports a working-tree file changed by another process.
	OpExternal = "external"
)

// Change is one store mutation observed by subscribers.
type Change struct {
	Op       string
	RecordID string
	Target   string
}

// Subscription is a scoped listener registration. Unsubscribe is safe to
// call multiple times and always releases the registry slot; the channel
// is closed on Unsubscribe and on emitter Close.
type Subscription struct {
	C chan Change

	id      int
	ops     map[string]bool
	emitter *Emitter
	once    sync.Once
}

// Unsubscribe removes the subscription and closes its channel.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.emitter.remove(sub.id)
		close(sub.C)
	})
}

// Emitter fans mutations out to subscribers. It maintains the registry
// and purges every entry on Close, so no listener outlives the store.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	closed bool
}

// NewEmitter builds an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]*Subscription)}
}

// Subscribe registers a listener for the given ops (all ops when empty).
func (e *Emitter) Subscribe(ops ...string) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("emitter is closed")
	}

	sub := &Subscription{
		C:       make(chan Change, 16),
		id:      e.nextID,
		emitter: e,
	}
	if len(ops) > 0 {
		sub.ops = make(map[string]bool, len(ops))
		for _, op := range ops {
			sub.ops[op] = true
		}
	}
	e.subs[e.nextID] = sub
	e.nextID++
	return sub, nil
}

// Emit delivers a change to matching subscribers. Slow subscribers drop
// rather than block the write path.
func (e *Emitter) Emit(c Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		if sub.ops != nil && !sub.ops[c.Op] {
			continue
		}
		select {
		case sub.C <- c:
		default:
		}
	}
}

// Close purges the registry and closes every subscriber channel.
func (e *Emitter) Close() {
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[int]*Subscription)
	e.closed = true
	e.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.C) })
	}
}

func (e *Emitter) remove(id int) {
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
}

// treeWatcher feeds external working-tree edits (another process holding
// the log lock) into the emitter as OpExternal changes.
type treeWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

func newTreeWatcher(dir string, emitter *Emitter) (*treeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create tree watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch log tree: %w", err)
	}

	tw := &treeWatcher{w: w, done: make(chan struct{})}
	go func() {
		defer close(tw.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".rec") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				id := strings.TrimSuffix(baseName(ev.Name), ".rec")
				emitter.Emit(Change{Op: OpExternal, RecordID: id})
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return tw, nil
}

func (tw *treeWatcher) close() error {
	err := tw.w.Close()
	<-tw.done
	return err
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
