package instance

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Lifecycle phases
// --------------------------------------------------------------------------

// Phase names the lifecycle callback or method category an instance is
// currently executing.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseSetContext
	PhaseUnsetContext
	PhaseCreate
	PhasePostCreate
	PhaseRemove
	PhaseActivate
	PhasePassivate
	PhaseLoad
	PhaseStore
	PhaseFind
	PhaseHome
	PhaseBusiness
	PhaseMessage
	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "None"
	case PhaseSetContext:
		return "SetContext"
	case PhaseUnsetContext:
		return "UnsetContext"
	case PhaseCreate:
		return "Create"
	case PhasePostCreate:
		return "PostCreate"
	case PhaseRemove:
		return "Remove"
	case PhaseActivate:
		return "Activate"
	case PhasePassivate:
		return "Passivate"
	case PhaseLoad:
		return "Load"
	case PhaseStore:
		return "Store"
	case PhaseFind:
		return "Find"
	case PhaseHome:
		return "Home"
	case PhaseBusiness:
		return "Business"
	case PhaseMessage:
		return "Message"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// PhaseSet is a set of phases.
type PhaseSet struct {
	members [numPhases]bool
}

// Phases builds a set from the given phases.
func Phases(ps ...Phase) PhaseSet {
	var s PhaseSet
	for _, p := range ps {
		s = s.With(p)
	}
	return s
}

// With returns a copy of the set including p.
func (s PhaseSet) With(p Phase) PhaseSet {
	if p < numPhases {
		s.members[p] = true
	}
	return s
}

// Union returns the union of both sets.
func (s PhaseSet) Union(o PhaseSet) PhaseSet {
	for i := range s.members {
		s.members[i] = s.members[i] || o.members[i]
	}
	return s
}

// Has reports whether p is in the set.
func (s PhaseSet) Has(p Phase) bool {
	return p < numPhases && s.members[p]
}

func (s PhaseSet) String() string {
	var names []string
	for i, ok := range s.members {
		if ok {
			names = append(names, Phase(i).String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// --------------------------------------------------------------------------
// Context operations
// --------------------------------------------------------------------------

// Operation is a container service a bean may call on its context.
type Operation uint8

const (
	OpGetPrimaryKey Operation = iota
	OpGetCallerChain
	OpGetRollbackOnly
	OpSetRollbackOnly
	OpGetTransaction
	OpGetHome
)

func (o Operation) String() string {
	switch o {
	case OpGetPrimaryKey:
		return "GetPrimaryKey"
	case OpGetCallerChain:
		return "GetCallerChain"
	case OpGetRollbackOnly:
		return "GetRollbackOnly"
	case OpSetRollbackOnly:
		return "SetRollbackOnly"
	case OpGetTransaction:
		return "GetTransaction"
	case OpGetHome:
		return "GetHome"
	default:
		return fmt.Sprintf("Unknown(%d)", o)
	}
}

// Allowed maps each context operation to the phases it may be used in.
type Allowed map[Operation]PhaseSet

// Check returns ErrIllegalState if op is not permitted in phase.
func (a Allowed) Check(op Operation, phase Phase) error {
	if a[op].Has(phase) {
		return nil
	}
	return fmt.Errorf("%w: %s not allowed during %s", ErrIllegalState, op, phase)
}

var (
	entityTxPhases = Phases(PhaseCreate, PhasePostCreate, PhaseRemove, PhaseLoad, PhaseStore,
		PhaseFind, PhaseHome, PhaseBusiness)
	entityIdentityPhases = Phases(PhasePostCreate, PhaseRemove, PhaseActivate, PhasePassivate,
		PhaseLoad, PhaseStore, PhaseBusiness)
	allPhases = Phases(PhaseSetContext, PhaseUnsetContext, PhaseCreate, PhasePostCreate,
		PhaseRemove, PhaseActivate, PhasePassivate, PhaseLoad, PhaseStore, PhaseFind, PhaseHome,
		PhaseBusiness, PhaseMessage)
)

// EntityRules are the context operation rules for entity beans.
var EntityRules = Allowed{
	OpGetPrimaryKey:   entityIdentityPhases,
	OpGetCallerChain:  entityTxPhases,
	OpGetRollbackOnly: entityTxPhases,
	OpSetRollbackOnly: entityTxPhases,
	OpGetTransaction:  entityTxPhases,
	OpGetHome:         allPhases,
}

// SessionRules are the context operation rules for session and
// message-driven beans. Session beans have no primary key.
var SessionRules = Allowed{
	OpGetCallerChain:  Phases(PhaseCreate, PhaseRemove, PhaseBusiness, PhaseMessage),
	OpGetRollbackOnly: Phases(PhaseBusiness, PhaseMessage),
	OpSetRollbackOnly: Phases(PhaseBusiness, PhaseMessage),
	OpGetTransaction:  Phases(PhaseBusiness, PhaseMessage),
	OpGetHome:         allPhases,
}
