package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Tool describes one callable capability advertised to the server. The
// mock response is a JSON template; ${param} placeholders are substituted
// with call arguments at execution time.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	MockResponse json.RawMessage `json:"mockResponse,omitempty"`
}

// Descriptor is the wire shape for tools/list: the mock response template
// is a local concern and never advertised.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Registry holds the tool set for one client. Mutation is rejected while
// a session is active so the advertised tool list never diverges from
// what the server saw at handshake time.
type Registry struct {
	mu     sync.RWMutex
	tools  []Tool
	locked bool
	logger zerolog.Logger
}

// NewRegistry creates a registry seeded with the built-in tools.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{logger: logger}
	for _, t := range DefaultTools() {
		if err := r.Register(t); err != nil {
			logger.Error().Err(err).Str("tool", t.Name).Msg("Failed to seed default tool")
		}
	}
	return r
}

// DefaultTools returns the built-in tool set every client starts with.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "get_weather",
			Description: "Get the current weather for a city",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string","description":"City name"}},"required":["city"]}`),
			MockResponse: json.RawMessage(`{"city":"${city}","weather":"sunny","temperature":"25C"}`),
		},
		{
			Name:        "get_device_status",
			Description: "Report the device battery and volume status",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			MockResponse: json.RawMessage(`{"battery":92,"volume":70,"charging":false}`),
		},
		{
			Name:        "self_camera_take_photo",
			Description: "Take a photo with the device camera and describe it",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"question":{"type":"string","description":"What to look for in the photo"}}}`),
		},
	}
}

// SetLocked toggles mutation locking for the duration of a session.
func (r *Registry) SetLocked(locked bool) {
	r.mu.Lock()
	r.locked = locked
	r.mu.Unlock()
}

func (r *Registry) findLocked(name string) int {
	for i, t := range r.tools {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func validateTool(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(t.InputSchema) > 0 && !json.Valid(t.InputSchema) {
		return fmt.Errorf("tool %q has malformed input schema", t.Name)
	}
	if len(t.MockResponse) > 0 && !json.Valid(t.MockResponse) {
		return fmt.Errorf("tool %q has malformed mock response", t.Name)
	}
	return nil
}

// Register adds a tool. Fails on duplicate names, malformed JSON fields,
// or while a session holds the registry locked.
func (r *Registry) Register(t Tool) error {
	if err := validateTool(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return fmt.Errorf("tool registry is locked while a session is active")
	}
	if r.findLocked(t.Name) >= 0 {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools = append(r.tools, t)
	r.logger.Debug().Str("tool", t.Name).Msg("Tool registered")
	return nil
}

// Update replaces the named tool in place, preserving its position in the
// advertised list.
func (r *Registry) Update(name string, t Tool) error {
	if err := validateTool(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return fmt.Errorf("tool registry is locked while a session is active")
	}
	i := r.findLocked(name)
	if i < 0 {
		return fmt.Errorf("unknown tool: %s", name)
	}
	if t.Name != name && r.findLocked(t.Name) >= 0 {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[i] = t
	r.logger.Debug().Str("tool", t.Name).Msg("Tool updated")
	return nil
}

// Remove deletes the named tool.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return fmt.Errorf("tool registry is locked while a session is active")
	}
	i := r.findLocked(name)
	if i < 0 {
		return fmt.Errorf("unknown tool: %s", name)
	}
	r.tools = append(r.tools[:i], r.tools[i+1:]...)
	r.logger.Debug().Str("tool", name).Msg("Tool removed")
	return nil
}

// Descriptors returns the advertised tool list for tools/list.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, len(r.tools))
	for i, t := range r.tools {
		out[i] = Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return out
}

// Get looks up one tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.findLocked(name)
	if i < 0 {
		return Tool{}, false
	}
	return r.tools[i], true
}

// Execute runs the named tool against the given arguments. Tools with a
// mock response template get ${param} placeholders substituted and the
// result re-validated; tools without one return a generic acknowledgment.
// An unknown tool is an error the caller maps to a protocol-level failure.
func (r *Registry) Execute(name string, args map[string]interface{}) (json.RawMessage, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	if len(tool.MockResponse) == 0 {
		ack := map[string]interface{}{
			"success":   true,
			"message":   fmt.Sprintf("Tool %s executed successfully", name),
			"tool":      name,
			"arguments": args,
		}
		out, err := json.Marshal(ack)
		if err != nil {
			return nil, fmt.Errorf("failed to build tool acknowledgment: %w", err)
		}
		return out, nil
	}

	response := string(tool.MockResponse)
	for key, value := range args {
		response = strings.ReplaceAll(response, "${"+key+"}", fmt.Sprintf("%v", value))
	}

	if !json.Valid([]byte(response)) {
		// Substitution broke the template (e.g. an argument containing a
		// quote); fall back to the raw template
		r.logger.Warn().Str("tool", name).Msg("Substituted mock response is not valid JSON, returning template")
		return tool.MockResponse, nil
	}

	r.logger.Debug().Str("tool", name).RawJSON("response", []byte(response)).Msg("Tool executed")
	return json.RawMessage(response), nil
}
