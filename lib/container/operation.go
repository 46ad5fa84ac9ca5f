package container

import (
	"fmt"
	"sort"

	"github.com/ValentinKolb/beanrt/lib/instance"
)

// --------------------------------------------------------------------------
// Operation table
// --------------------------------------------------------------------------

// OpKind classifies an operation. It decides which instance a call runs on
// and in which lifecycle phase.
type OpKind uint8

const (
	// OpBusiness runs on the instance of an identity (entity, stateful) or
	// on any pooled instance (stateless).
	OpBusiness OpKind = iota
	// OpCreate creates an entity or a stateful session. For entities the
	// handler returns the primary key.
	OpCreate
	// OpFind is a single object finder. The handler returns a primary key.
	OpFind
	// OpFindCollection is a multi object finder. The handler returns []any
	// holding primary keys.
	OpFindCollection
	// OpHome runs on an anonymous pooled instance.
	OpHome
	// OpMessage receives the messages of a message-driven bean.
	OpMessage
)

func (k OpKind) String() string {
	switch k {
	case OpBusiness:
		return "business"
	case OpCreate:
		return "create"
	case OpFind:
		return "find"
	case OpFindCollection:
		return "find-collection"
	case OpHome:
		return "home"
	case OpMessage:
		return "message"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

func (k OpKind) phase() instance.Phase {
	switch k {
	case OpCreate:
		return instance.PhaseCreate
	case OpFind, OpFindCollection:
		return instance.PhaseFind
	case OpHome:
		return instance.PhaseHome
	case OpMessage:
		return instance.PhaseMessage
	default:
		return instance.PhaseBusiness
	}
}

// Handler implements an operation. ic gives access to the bean object and
// the container services permitted in the current phase.
type Handler func(ic *Invocation, args []any) (any, error)

// Operation maps a name to its handler.
type Operation struct {
	Name    string
	Kind    OpKind
	Handler Handler
	// PostCreate runs after an entity was created and bound to its
	// identity. Only valid for OpCreate.
	PostCreate Handler
}

// Business, Create, Find, FindCollection, Home and Message build operations
// of the respective kind.
func Business(name string, h Handler) Operation {
	return Operation{Name: name, Kind: OpBusiness, Handler: h}
}

func Create(name string, h Handler, postCreate Handler) Operation {
	return Operation{Name: name, Kind: OpCreate, Handler: h, PostCreate: postCreate}
}

func Find(name string, h Handler) Operation {
	return Operation{Name: name, Kind: OpFind, Handler: h}
}

func FindCollection(name string, h Handler) Operation {
	return Operation{Name: name, Kind: OpFindCollection, Handler: h}
}

func Home(name string, h Handler) Operation {
	return Operation{Name: name, Kind: OpHome, Handler: h}
}

func Message(name string, h Handler) Operation {
	return Operation{Name: name, Kind: OpMessage, Handler: h}
}

// allowedKinds lists the operation kinds each bean kind supports.
var allowedKinds = map[Kind][]OpKind{
	KindEntity:        {OpBusiness, OpCreate, OpFind, OpFindCollection, OpHome},
	KindStateless:     {OpBusiness},
	KindStateful:      {OpBusiness, OpCreate},
	KindMessageDriven: {OpMessage},
}

// operations is the validated, immutable operation table of a container.
type operations struct {
	bean    string
	byName  map[string]Operation
	message string
}

// buildOperations validates ops for a bean of the given kind.
func buildOperations(bean string, kind Kind, ops []Operation) (*operations, error) {
	t := &operations{bean: bean, byName: make(map[string]Operation, len(ops))}

	for _, op := range ops {
		fail := func(reason string) error {
			return &ConfigError{Bean: bean, Op: op.Name, Reason: reason}
		}
		if op.Name == "" {
			return nil, fail("operation without name")
		}
		if _, dup := t.byName[op.Name]; dup {
			return nil, fail("duplicate operation")
		}
		if op.Handler == nil {
			return nil, fail("missing handler")
		}
		ok := false
		for _, k := range allowedKinds[kind] {
			ok = ok || k == op.Kind
		}
		if !ok {
			return nil, fail(fmt.Sprintf("%s operations are not supported by %s beans", op.Kind, kind))
		}
		if op.PostCreate != nil && (op.Kind != OpCreate || kind != KindEntity) {
			return nil, fail("post-create handler on a non entity create operation")
		}
		if op.Kind == OpMessage {
			if t.message != "" {
				return nil, fail("more than one message operation")
			}
			t.message = op.Name
		}
		t.byName[op.Name] = op
	}

	if kind == KindMessageDriven && t.message == "" {
		return nil, &ConfigError{Bean: bean, Reason: "message-driven bean without message operation"}
	}
	return t, nil
}

// lookup resolves name to an operation of one of the given kinds.
func (t *operations) lookup(name string, kinds ...OpKind) (Operation, error) {
	op, ok := t.byName[name]
	if !ok {
		return Operation{}, &ConfigError{Bean: t.bean, Op: name, Reason: "no such operation"}
	}
	for _, k := range kinds {
		if op.Kind == k {
			return op, nil
		}
	}
	return Operation{}, &ConfigError{Bean: t.bean, Op: name, Reason: fmt.Sprintf("is a %s operation", op.Kind)}
}

// names returns the sorted operation names.
func (t *operations) names() []string {
	out := make([]string, 0, len(t.byName))
	for name := range t.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
