package mcp

import "sync"

// SessionRegistry remembers which MCP session submitted each task, so that
// terminal events go back to the caller that is waiting for them.
type SessionRegistry struct {
	mu        sync.RWMutex
	owner     map[string]string              // task -> session
	bySession map[string]map[string]struct{} // session -> tasks
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		owner:     make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Register records sessionID as the owner of taskID.
func (r *SessionRegistry) Register(taskID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owner[taskID]; ok {
		r.unlink(taskID, prev)
	}
	r.owner[taskID] = sessionID
	tasks := r.bySession[sessionID]
	if tasks == nil {
		tasks = make(map[string]struct{})
		r.bySession[sessionID] = tasks
	}
	tasks[taskID] = struct{}{}
}

// SessionFor returns the session that submitted taskID.
func (r *SessionRegistry) SessionFor(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.owner[taskID]
	return sid, ok
}

// Forget drops a finished task.
func (r *SessionRegistry) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid, ok := r.owner[taskID]; ok {
		r.unlink(taskID, sid)
		delete(r.owner, taskID)
	}
}

// Remove drops a disconnected session and every task it owned.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID := range r.bySession[sessionID] {
		delete(r.owner, taskID)
	}
	delete(r.bySession, sessionID)
}

// Len returns the number of tracked tasks.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}

func (r *SessionRegistry) unlink(taskID, sessionID string) {
	tasks := r.bySession[sessionID]
	delete(tasks, taskID)
	if len(tasks) == 0 {
		delete(r.bySession, sessionID)
	}
}
