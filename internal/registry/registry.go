// Package registry keeps a short-lived, FIFO-bounded record of
// answered queries so user feedback can be attributed to the arm that
// produced the answer.
package registry

import (
	"container/list"
	"sync"
	"time"

	"github.com/maestro-rag/maestro/internal/rag"
)

const (
	// DefaultCapacity bounds the number of live records.
	DefaultCapacity = 1000
	// maxQuestionLen caps the stored question snippet.
	maxQuestionLen = 200
)

// Record associates a query id with the arm and automatic reward that
// produced its answer.
type Record struct {
	QueryID    string
	Arm        string
	AutoReward float64
	Question   string
	CreatedAt  time.Time
}

// Registry is an in-memory FIFO map keyed by UUID. Records older than
// the window are gone; feedback against them returns a typed not-found
// error rather than failing the service.
type Registry struct {
	mu       sync.Mutex
	capacity int
	byID     map[string]*list.Element
	fifo     *list.List // front = oldest
}

// New builds a registry; capacity <= 0 uses the default.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		byID:     make(map[string]*list.Element, capacity),
		fifo:     list.New(),
	}
}

// Register stores a record under the caller's query id. The oldest
// record is evicted when the registry is full.
func (r *Registry) Register(queryID, arm string, autoReward float64, question string) {
	question = rag.Truncate(question, maxQuestionLen)
	rec := Record{
		QueryID:    queryID,
		Arm:        arm,
		AutoReward: autoReward,
		Question:   question,
		CreatedAt:  time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.byID[queryID]; ok {
		r.fifo.Remove(el)
		delete(r.byID, queryID)
	}
	for r.fifo.Len() >= r.capacity {
		oldest := r.fifo.Front()
		if oldest == nil {
			break
		}
		old := oldest.Value.(Record)
		r.fifo.Remove(oldest)
		delete(r.byID, old.QueryID)
	}
	el := r.fifo.PushBack(rec)
	r.byID[queryID] = el
}

// Lookup returns the record for a query id.
func (r *Registry) Lookup(queryID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byID[queryID]
	if !ok {
		return Record{}, rag.E("registry.Lookup", rag.KindQueryIDNotFound, nil)
	}
	return el.Value.(Record), nil
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fifo.Len()
}
