package chatvault

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RestoreQueue holds restore requests raised during a tick until the next
// tick picks them up. Requests for the same location and selector collapse.
type RestoreQueue interface {
	TryEnqueue(req RestoreRequest) bool
	TryDequeue() (RestoreRequest, bool)
	Depth() int
	Capacity() int
	SnapshotRequests() []RestoreRequest
	Close() error
}

const defaultRestoreQueueCapacity = 256

type memoryRestoreQueue struct {
	capacity int
	mu       sync.Mutex
	items    []RestoreRequest
}

func NewMemoryRestoreQueue(capacity int) RestoreQueue {
	if capacity <= 0 {
		capacity = defaultRestoreQueueCapacity
	}
	return &memoryRestoreQueue{capacity: capacity}
}

func (q *memoryRestoreQueue) TryEnqueue(req RestoreRequest) bool {
	if !validRestoreRequest(req) {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if pendingIndex(q.items, req) >= 0 {
		return true
	}
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, req)
	return true
}

func (q *memoryRestoreQueue) TryDequeue() (RestoreRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return RestoreRequest{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *memoryRestoreQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryRestoreQueue) Capacity() int {
	return q.capacity
}

func (q *memoryRestoreQueue) SnapshotRequests() []RestoreRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RestoreRequest(nil), q.items...)
}

func (q *memoryRestoreQueue) Close() error {
	return nil
}

type fileRestoreQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []RestoreRequest
}

type fileRestoreQueueState struct {
	Items []RestoreRequest `json:"items"`
}

// NewFileRestoreQueue persists pending requests as JSON so a request raised
// just before the daemon stops survives into the next run. The file is
// re-read before every operation because the CLI and the daemon share it.
func NewFileRestoreQueue(path string, capacity int) (RestoreQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultRestoreQueueCapacity
	}
	q := &fileRestoreQueue{
		path:     path,
		capacity: capacity,
		items:    []RestoreRequest{},
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileRestoreQueue) TryEnqueue(req RestoreRequest) bool {
	if !validRestoreRequest(req) {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		return false
	}
	if pendingIndex(q.items, req) >= 0 {
		return true
	}
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, req)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileRestoreQueue) TryDequeue() (RestoreRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		return RestoreRequest{}, false
	}
	if len(q.items) == 0 {
		return RestoreRequest{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]RestoreRequest{item}, q.items...)
		return RestoreRequest{}, false
	}
	return item, true
}

func (q *fileRestoreQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.loadLocked()
	return len(q.items)
}

func (q *fileRestoreQueue) Capacity() int {
	return q.capacity
}

func (q *fileRestoreQueue) SnapshotRequests() []RestoreRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.loadLocked()
	return append([]RestoreRequest(nil), q.items...)
}

func (q *fileRestoreQueue) Close() error {
	return nil
}

func (q *fileRestoreQueue) loadLocked() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			q.items = []RestoreRequest{}
			return nil
		}
		return err
	}
	var snapshot fileRestoreQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]RestoreRequest(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]RestoreRequest(nil), snapshot.Items...)
	return nil
}

func (q *fileRestoreQueue) saveLocked() error {
	snapshot := fileRestoreQueueState{
		Items: append([]RestoreRequest(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func validRestoreRequest(req RestoreRequest) bool {
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Location) == "" {
		return false
	}
	return req.Selector.Validate() == nil
}

func pendingIndex(items []RestoreRequest, req RestoreRequest) int {
	for i, item := range items {
		if item.Location == req.Location && item.Selector == req.Selector {
			return i
		}
	}
	return -1
}
