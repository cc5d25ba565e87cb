package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"flowstate.dev/flowstate/runtime/routine/state"
)

// Registry holds the plugins available to the engine, keyed by plugin id.
// Plugins register during worker startup; lookups afterwards are read-only,
// so a single registry is safely shared by every concurrent activity.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registered
}

// Registered is a registry entry: the plugin plus its schemas compiled once
// at registration.
type Registered struct {
	plugin      Plugin
	def         Definition
	input       *jsonschema.Schema
	output      *jsonschema.Schema
	config      *jsonschema.Schema
	outputPorts []string
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Registered)}
}

// Register adds a plugin to the registry, compiling its schemas. It fails
// when the id is empty, already taken, or a schema does not compile.
func (r *Registry) Register(p Plugin) error {
	def := p.Definition()
	if def.ID == "" {
		return fmt.Errorf("plugin: id is required")
	}

	entry := &Registered{plugin: p, def: def, outputPorts: schemaPorts(def.OutputSchema)}
	var err error
	if entry.input, err = compileSchema(def.InputSchema); err != nil {
		return fmt.Errorf("plugin %q: input schema: %w", def.ID, err)
	}
	if entry.output, err = compileSchema(def.OutputSchema); err != nil {
		return fmt.Errorf("plugin %q: output schema: %w", def.ID, err)
	}
	if entry.config, err = compileSchema(def.ConfigSchema); err != nil {
		return fmt.Errorf("plugin %q: config schema: %w", def.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.ID]; exists {
		return fmt.Errorf("plugin %q already registered", def.ID)
	}
	r.entries[def.ID] = entry
	return nil
}

// MustRegister registers a plugin and panics on error. Intended for worker
// startup where a bad plugin is unrecoverable.
func (r *Registry) MustRegister(p Plugin) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the registered plugin with the given id.
func (r *Registry) Lookup(id string) (*Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// IDs returns the registered plugin ids in lexicographic order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plugin returns the registered plugin implementation.
func (e *Registered) Plugin() Plugin { return e.plugin }

// Definition returns the plugin's declaration.
func (e *Registered) Definition() Definition { return e.def }

// OutputPorts returns the output ports declared by the plugin's output
// schema, sorted. Empty when the plugin declares no output schema.
func (e *Registered) OutputPorts() []string {
	ports := make([]string, len(e.outputPorts))
	copy(ports, e.outputPorts)
	return ports
}

// ValidateInputs checks the gathered inputs against the plugin's input
// schema. Items are projected to their raw values: the validated document
// maps each port to the array of item data.
func (e *Registered) ValidateInputs(inputs map[string][]state.Item) error {
	if e.input == nil {
		return nil
	}
	payload := make(map[string]any, len(inputs))
	for port, items := range inputs {
		values := make([]any, len(items))
		for i, item := range items {
			values[i] = item.Data
		}
		payload[port] = values
	}
	return validateDocument(e.input, payload)
}

// ValidateConfig checks resolved node parameters against the plugin's config
// schema.
func (e *Registered) ValidateConfig(config map[string]any) error {
	if e.config == nil {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	return validateDocument(e.config, config)
}

// ValidateOutput checks emitted outputs against the plugin's output schema.
func (e *Registered) ValidateOutput(out *Output) error {
	if e.output == nil {
		return nil
	}
	payload := make(map[string]any, len(out.Ports))
	for port, values := range out.Ports {
		payload[port] = values
	}
	return validateDocument(e.output, payload)
}

// compileSchema compiles a raw JSON schema. Empty schemas compile to nil,
// meaning "do not validate".
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateDocument validates v against the schema. The value is round-tripped
// through JSON first so Go-typed payloads (ints, structs, json.Number) are
// normalized to the decoded forms the validator expects.
func validateDocument(schema *jsonschema.Schema, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return schema.Validate(doc)
}

// schemaPorts extracts the top-level property names of a JSON schema, which
// for output schemas double as the declared output ports.
func schemaPorts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	ports := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		ports = append(ports, name)
	}
	sort.Strings(ports)
	return ports
}
