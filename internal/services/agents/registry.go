package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"agent-scheduler/internal/errs"
)

// Result is the success payload of one invocation.
type Result struct {
	Output string                 `json:"output,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Handler performs the work of one agent type. Implementations should return
// promptly once ctx is done.
type Handler interface {
	Invoke(ctx context.Context, config map[string]interface{}) (Result, error)
}

type HandlerFunc func(ctx context.Context, config map[string]interface{}) (Result, error)

func (f HandlerFunc) Invoke(ctx context.Context, config map[string]interface{}) (Result, error) {
	return f(ctx, config)
}

// Failure is a structured failure reason reported by a handler.
type Failure struct {
	Code    string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return f.Code + ": " + f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

type ConfigField struct {
	Name        string      `json:"name"`
	Type        FieldType   `json:"type"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description,omitempty"`
	Options     []string    `json:"options,omitempty"`
}

// Descriptor is what the dashboard needs to render and configure an agent.
type Descriptor struct {
	AgentType    string        `json:"agentType"`
	DisplayName  string        `json:"displayName"`
	Icon         string        `json:"icon"`
	Description  string        `json:"description"`
	ConfigSchema []ConfigField `json:"configSchema"`
}

type entry struct {
	handler    Handler
	descriptor Descriptor
}

// Registry maps agent types to handlers. It is filled at startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a handler. Registering the same agent type twice is an error.
func (r *Registry) Register(agentType string, handler Handler, d Descriptor) error {
	if agentType == "" {
		return fmt.Errorf("agent type is empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", agentType)
	}
	d.AgentType = agentType
	if d.DisplayName == "" {
		d.DisplayName = agentType
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[agentType]; exists {
		return fmt.Errorf("agent type %s already registered", agentType)
	}
	r.entries[agentType] = entry{handler: handler, descriptor: d}
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(agentType string, handler Handler, d Descriptor) {
	if err := r.Register(agentType, handler, d); err != nil {
		panic(err)
	}
}

// Resolve returns the handler or errs.ErrUnknownAgentType.
func (r *Registry) Resolve(agentType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentType]
	if !ok {
		return nil, errs.New(errs.ErrUnknownAgentType, agentType)
	}
	return e.handler, nil
}

func (r *Registry) Descriptor(agentType string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentType]
	if !ok {
		return Descriptor{}, errs.New(errs.ErrUnknownAgentType, agentType)
	}
	return e.descriptor, nil
}

// Descriptors returns every registered agent keyed by type.
func (r *Registry) Descriptors() map[string]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Descriptor, len(r.entries))
	for k, e := range r.entries {
		out[k] = e.descriptor
	}
	return out
}

// Types returns the registered agent types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidateConfig checks required fields, primitive types and options against
// the agent's declared schema. Unknown keys are passed through.
func (r *Registry) ValidateConfig(agentType string, config map[string]interface{}) error {
	d, err := r.Descriptor(agentType)
	if err != nil {
		return err
	}
	for _, field := range d.ConfigSchema {
		v, ok := config[field.Name]
		if !ok || v == nil {
			if field.Required && field.Default == nil {
				return errs.New(errs.ErrInvalidConfig, fmt.Sprintf("%s: %s is required", agentType, field.Name))
			}
			continue
		}
		if !matchesType(field.Type, v) {
			return errs.New(errs.ErrInvalidConfig, fmt.Sprintf("%s: %s must be a %s", agentType, field.Name, field.Type))
		}
		if len(field.Options) > 0 {
			s, _ := v.(string)
			if !contains(field.Options, s) {
				return errs.New(errs.ErrInvalidConfig, fmt.Sprintf("%s: %s must be one of %v", agentType, field.Name, field.Options))
			}
		}
	}
	return nil
}

func matchesType(t FieldType, v interface{}) bool {
	switch t {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case FieldBoolean:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		_, ok := v.(map[string]interface{})
		return ok
	case FieldArray:
		switch v.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	}
	return true
}

func contains(arr []string, val string) bool {
	for _, v := range arr {
		if v == val {
			return true
		}
	}
	return false
}
