package serialization

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/glimte/relaybus/contracts"
)

// ErrUnknownType is returned when an envelope names a type nobody registered.
var ErrUnknownType = errors.New("message type not registered")

var messageIface = reflect.TypeFor[contracts.Message]()

// TypeRegistry resolves envelope type names to fresh Go values.
type TypeRegistry interface {
	New(typeName string) (contracts.Message, error)
	Names() []string
}

// Registry is the in-process TypeRegistry. Entries are struct types whose
// pointer implements contracts.Message.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func NewTypeRegistry() *Registry {
	return &Registry{
		byName: map[string]reflect.Type{},
		byType: map[reflect.Type]string{},
	}
}

func structOf(msg contracts.Message) (reflect.Type, error) {
	if msg == nil {
		return nil, errors.New("message type cannot be nil")
	}
	rt := reflect.TypeOf(msg)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("message type must be a struct, got %s", rt.Kind())
	}
	if !reflect.PointerTo(rt).Implements(messageIface) {
		return nil, fmt.Errorf("*%s does not implement contracts.Message", rt)
	}
	return rt, nil
}

// Add binds name to the struct type of msg. Binding the same pair twice is
// a no-op; rebinding a name to another type fails.
func (r *Registry) Add(name string, msg contracts.Message) error {
	if name == "" {
		return errors.New("type name cannot be empty")
	}
	rt, err := structOf(msg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch prev, ok := r.byName[name]; {
	case !ok:
		r.byName[name] = rt
		r.byType[rt] = name
		return nil
	case prev == rt:
		return nil
	default:
		return fmt.Errorf("type name %q is bound to %s", name, prev)
	}
}

// AddMessage binds msg under the type it reports, or under its Go struct
// name when it reports none.
func (r *Registry) AddMessage(msg contracts.Message) error {
	rt, err := structOf(msg)
	if err != nil {
		return err
	}
	name := msg.GetType()
	if name == "" {
		name = rt.Name()
	}
	return r.Add(name, msg)
}

func (r *Registry) New(name string) (contracts.Message, error) {
	r.mu.RLock()
	rt, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return reflect.New(rt).Interface().(contracts.Message), nil
}

// NameOf reports the name msg's type was bound under.
func (r *Registry) NameOf(msg contracts.Message) (string, bool) {
	rt, err := structOf(msg)
	if err != nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[rt]
	return name, ok
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Names lists bound type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byName))
}

// DecodeMessage builds the value registered for env.Type and unmarshals the
// payload into it. Unknown types are reported as contracts.ErrHandlerNotFound.
func DecodeMessage(registry TypeRegistry, serializer Serializer, env *contracts.Envelope) (contracts.Message, error) {
	msg, err := registry.New(env.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", contracts.ErrHandlerNotFound, err)
	}
	if err := serializer.Unmarshal(env.Payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
