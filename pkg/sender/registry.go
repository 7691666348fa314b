package sender

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Conn is the transport side of a connection that can take unsolicited writes.
// Implementations must serialize Reply against their own response writes.
type Conn interface {
	Reply(data []byte) error
	Close() error
}

// Registry indexes live connections by id. Senders hold only an id and look the
// connection up on every reply, so a closed connection is never dereferenced.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: map[string]Conn{},
	}
}

// Add registers conn under id, replacing any previous registration.
func (r *Registry) Add(id string, conn Conn) {
	id = strings.TrimSpace(id)
	if r == nil || id == "" || conn == nil {
		return
	}
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()
}

// Remove drops id from the registry. It does not close the connection.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, strings.TrimSpace(id))
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Conn, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[strings.TrimSpace(id)]
	return conn, ok
}

// Sender returns a reply handle for id. The handle is valid even if id is not
// (or no longer) registered; replies then fail with ErrConnectionClosed.
func (r *Registry) Sender(id string) *Sender {
	return &Sender{id: strings.TrimSpace(id), registry: r}
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the registered connection ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Range calls fn for every registered connection until fn returns false.
// fn runs without the registry lock held.
func (r *Registry) Range(fn func(id string, conn Conn) bool) {
	if r == nil || fn == nil {
		return
	}
	r.mu.RLock()
	snapshot := make(map[string]Conn, len(r.conns))
	for id, conn := range r.conns {
		snapshot[id] = conn
	}
	r.mu.RUnlock()
	for id, conn := range snapshot {
		if !fn(id, conn) {
			return
		}
	}
}

// CloseAll closes and unregisters every connection.
func (r *Registry) CloseAll() {
	if r == nil {
		return
	}
	r.mu.Lock()
	conns := r.conns
	r.conns = map[string]Conn{}
	r.mu.Unlock()
	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("component", "sender").Str("conn_id", id).Msg("close failed")
		}
	}
}
