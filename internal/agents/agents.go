// Package agents defines the agent-identity collaborator consumed by the
// messaging core. The surrounding platform owns agent registration; the core
// only needs existence/active checks and the active set for broadcasts.
package agents

import "sort"

// Directory answers identity questions about agents. Implementations are
// provided by the surrounding platform; the core never mutates agent state.
type Directory interface {
	// IsActive reports whether the agent exists and is active.
	IsActive(agentID string) bool
	// ActiveAgents returns the IDs of all active agents, used to resolve
	// broadcast recipients as a snapshot at message creation time.
	ActiveAgents() ([]string, error)
}

// StaticDirectory is a fixed-membership Directory, useful for tests and
// single-box deployments configured from a file.
type StaticDirectory struct {
	ids map[string]bool
}

// NewStaticDirectory returns a Directory over a fixed set of active agents.
func NewStaticDirectory(ids ...string) *StaticDirectory {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = true
		}
	}
	return &StaticDirectory{ids: m}
}

// IsActive implements Directory.
func (d *StaticDirectory) IsActive(agentID string) bool {
	return d.ids[agentID]
}

// ActiveAgents implements Directory.
func (d *StaticDirectory) ActiveAgents() ([]string, error) {
	out := make([]string, 0, len(d.ids))
	for id := range d.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
