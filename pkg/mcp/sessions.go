package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps agent IDs to the MCP session they last called from.
// Populated when act.run is called with an agent_id.
type SessionRegistry struct {
	mu      sync.RWMutex
	byAgent map[string]string
	agents  map[string]map[string]struct{} // sessionID → agentIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byAgent: make(map[string]string),
		agents:  make(map[string]map[string]struct{}),
	}
}

// Register associates an agent ID with a session ID. A reconnecting agent
// moves to its new session.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byAgent[agentID]; ok && old != sessionID {
		r.drop(old, agentID)
	}
	r.byAgent[agentID] = sessionID
	set, ok := r.agents[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.agents[sessionID] = set
	}
	set[agentID] = struct{}{}
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAgent[agentID]
	return sid, ok
}

// Remove forgets a disconnected session and returns the agents that were
// mapped to it, sorted.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.agents[sessionID]
	delete(r.agents, sessionID)
	removed := make([]string, 0, len(set))
	for aid := range set {
		if r.byAgent[aid] == sessionID {
			delete(r.byAgent, aid)
		}
		removed = append(removed, aid)
	}
	slices.Sort(removed)
	return removed
}

func (r *SessionRegistry) drop(sessionID, agentID string) {
	set := r.agents[sessionID]
	delete(set, agentID)
	if len(set) == 0 {
		delete(r.agents, sessionID)
	}
}
