package domain

import (
	"strings"

	"github.com/google/uuid"
)

type refKind int

const (
	refNone refKind = iota
	refID
	refName
)

// AgentRef names an agent either by internal id or by its caller-facing name.
// The zero value is the empty reference.
type AgentRef struct {
	kind  refKind
	value string
}

func ByID(id string) AgentRef     { return AgentRef{kind: refID, value: id} }
func ByName(name string) AgentRef { return AgentRef{kind: refName, value: name} }

// ParseAgentRef classifies caller input: UUID-shaped strings are ids, anything else a name.
func ParseAgentRef(s string) AgentRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return AgentRef{}
	}
	if IsAgentID(s) {
		return ByID(s)
	}
	return ByName(s)
}

// IsAgentID reports whether s has the shape of an internal agent id.
func IsAgentID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// NewID returns a fresh internal id.
func NewID() string {
	return uuid.NewString()
}

func (r AgentRef) IsZero() bool   { return r.kind == refNone }
func (r AgentRef) IsID() bool     { return r.kind == refID }
func (r AgentRef) IsName() bool   { return r.kind == refName }
func (r AgentRef) Value() string  { return r.value }
func (r AgentRef) String() string { return r.value }
