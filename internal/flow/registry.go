package flow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a process-wide name to flow lookup. Registration under a taken
// name is an error.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewRegistry creates an empty flow registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Register adds a flow under its id.
func (r *Registry) Register(f *Flow) error {
	if f == nil || f.ID() == "" {
		return &StateError{Entity: "flow registry", Reason: "flow id is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[f.ID()]; exists {
		return &StateError{Entity: "flow registry", Reason: fmt.Sprintf("flow %q already registered", f.ID())}
	}
	r.flows[f.ID()] = f
	return nil
}

// Get returns a registered flow by id.
func (r *Registry) Get(flowID string) (*Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[flowID]
	return f, ok
}

// Remove drops a flow from the registry.
func (r *Registry) Remove(flowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[flowID]; !ok {
		return false
	}
	delete(r.flows, flowID)
	return true
}

// IDs returns registered flow ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PolicyFactory builds an activation policy from serialized config.
type PolicyFactory func(config map[string]any) (ActivationPolicy, error)

// RoutineFactory builds a routine instance from a template name and config.
// The DSL and the deserializer use it to produce per-job/per-flow instances.
type RoutineFactory func(id string, config map[string]any) (*Routine, error)

var (
	registryMu       sync.RWMutex
	policyFactories  = map[string]PolicyFactory{}
	logicByName      = map[string]Logic{}
	routineFactories = map[string]RoutineFactory{}
)

// RegisterPolicy installs a named policy factory. Serialization stores
// policies by name plus config, never by serializing code.
func RegisterPolicy(name string, factory PolicyFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	policyFactories[name] = factory
}

// BuildPolicy instantiates a registered policy by name.
func BuildPolicy(name string, config map[string]any) (ActivationPolicy, error) {
	registryMu.RLock()
	factory, ok := policyFactories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown activation policy %q", name)
	}
	return factory(config)
}

// RegisterLogic installs a named logic function for lookup by stable id.
func RegisterLogic(name string, logic Logic) {
	registryMu.Lock()
	defer registryMu.Unlock()
	logicByName[name] = logic
}

// LogicByName resolves a registered logic function.
func LogicByName(name string) (Logic, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	logic, ok := logicByName[name]
	return logic, ok
}

// LogicName reverse-resolves a logic function's registered name; serialization
// relies on it. Unregistered logic serializes as empty.
func LogicName(logic Logic) string {
	if logic == nil {
		return ""
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	for name, registered := range logicByName {
		if fmt.Sprintf("%p", registered) == fmt.Sprintf("%p", logic) {
			return name
		}
	}
	return ""
}

// RegisterRoutineType installs a named routine prototype factory.
func RegisterRoutineType(name string, factory RoutineFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	routineFactories[name] = factory
}

// BuildRoutine instantiates a registered routine type.
func BuildRoutine(typeName, id string, config map[string]any) (*Routine, error) {
	registryMu.RLock()
	factory, ok := routineFactories[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown routine type %q", typeName)
	}
	return factory(id, config)
}

// RoutineTypes returns the registered routine type names, sorted.
func RoutineTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(routineFactories))
	for name := range routineFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func intFromConfig(config map[string]any, key string) (int, error) {
	v, ok := config[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%q must be a number, got %T", key, v)
	}
}

func stringFromConfig(config map[string]any, key string) (string, error) {
	v, ok := config[key]
	if !ok {
		return "", fmt.Errorf("missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%q must be a string, got %T", key, v)
	}
	return s, nil
}

func init() {
	RegisterPolicy("immediate", func(map[string]any) (ActivationPolicy, error) {
		return Immediate(), nil
	})
	RegisterPolicy("all_slots_ready", func(map[string]any) (ActivationPolicy, error) {
		return AllSlotsReady(), nil
	})
	RegisterPolicy("batch_size", func(config map[string]any) (ActivationPolicy, error) {
		n, err := intFromConfig(config, "n")
		if err != nil {
			return nil, err
		}
		slot, err := stringFromConfig(config, "slot")
		if err != nil {
			return nil, err
		}
		return BatchSize(n, slot), nil
	})
	RegisterPolicy("watermark", func(config map[string]any) (ActivationPolicy, error) {
		threshold, err := intFromConfig(config, "threshold")
		if err != nil {
			return nil, err
		}
		slot, err := stringFromConfig(config, "slot")
		if err != nil {
			return nil, err
		}
		return Watermark(threshold, slot), nil
	})
}
