package trace

import (
	"encoding/json"
	"fmt"
)

// SpanType discriminates the payload shape a span carries.
type SpanType string

const (
	SpanTypeAgent         SpanType = "agent"
	SpanTypeGeneration    SpanType = "generation"
	SpanTypeFunction      SpanType = "function"
	SpanTypeGuardrail     SpanType = "guardrail"
	SpanTypeHandoff       SpanType = "handoff"
	SpanTypeCustom        SpanType = "custom"
	SpanTypeTranscription SpanType = "transcription"
	SpanTypeSpeech        SpanType = "speech"
	SpanTypeSpeechGroup   SpanType = "speech_group"
)

// Valid reports whether t is one of the known span types.
func (t SpanType) Valid() bool {
	switch t {
	case SpanTypeAgent, SpanTypeGeneration, SpanTypeFunction, SpanTypeGuardrail,
		SpanTypeHandoff, SpanTypeCustom, SpanTypeTranscription, SpanTypeSpeech,
		SpanTypeSpeechGroup:
		return true
	}
	return false
}

// GenerationPayload carries the data of one model-inference call.
type GenerationPayload struct {
	Model        string `json:"model,omitempty"`
	Input        any    `json:"input,omitempty"`
	Output       string `json:"output,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
}

// FunctionPayload carries the data of one tool/function call.
type FunctionPayload struct {
	Name   string `json:"name,omitempty"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// AgentPayload carries the data of one agent invocation.
type AgentPayload struct {
	Name       string   `json:"name,omitempty"`
	Handoffs   []string `json:"handoffs,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	OutputType string   `json:"output_type,omitempty"`
}

// HandoffPayload records a control transfer between agents.
type HandoffPayload struct {
	FromAgent string `json:"from_agent,omitempty"`
	ToAgent   string `json:"to_agent,omitempty"`
}

// GuardrailPayload records a guardrail evaluation.
type GuardrailPayload struct {
	Name      string `json:"name,omitempty"`
	Triggered bool   `json:"triggered,omitempty"`
}

// SpanPayload is the type-dependent structured payload of a span, modeled
// as a tagged variant keyed by span type. Exactly one of the typed variant
// pointers is set for the recognized shapes; Extra holds keys that do not
// belong to any variant schema, so payloads produced by unrecognized
// adapters survive a round-trip unchanged.
type SpanPayload struct {
	Type       SpanType
	Generation *GenerationPayload
	Function   *FunctionPayload
	Agent      *AgentPayload
	Handoff    *HandoffPayload
	Guardrail  *GuardrailPayload
	Extra      map[string]any
}

// MarshalJSON flattens the active variant and the extra bag into a single
// object carrying a "type" discriminator, matching the persisted
// span_data_json shape.
func (p SpanPayload) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, 8)
	for key, value := range p.Extra {
		flat[key] = value
	}
	if p.Type != "" {
		flat["type"] = string(p.Type)
	}

	var variant any
	switch {
	case p.Generation != nil:
		variant = p.Generation
	case p.Function != nil:
		variant = p.Function
	case p.Agent != nil:
		variant = p.Agent
	case p.Handoff != nil:
		variant = p.Handoff
	case p.Guardrail != nil:
		variant = p.Guardrail
	}
	if variant != nil {
		encoded, err := json.Marshal(variant)
		if err != nil {
			return nil, fmt.Errorf("marshal span payload variant: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(encoded, &fields); err != nil {
			return nil, fmt.Errorf("flatten span payload variant: %w", err)
		}
		for key, value := range fields {
			flat[key] = value
		}
	}

	return json.Marshal(flat)
}

// UnmarshalJSON rebuilds the tagged variant from a flat span_data object.
// Keys that the discriminated variant does not claim are kept in Extra.
func (p *SpanPayload) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("unmarshal span payload: %w", err)
	}

	*p = SpanPayload{}
	if raw, ok := flat["type"]; ok {
		var kind string
		if err := json.Unmarshal(raw, &kind); err == nil {
			p.Type = SpanType(kind)
		}
		delete(flat, "type")
	}

	var variant any
	var claimed []string
	switch p.Type {
	case SpanTypeGeneration:
		p.Generation = &GenerationPayload{}
		variant = p.Generation
		claimed = []string{"model", "input", "output", "input_tokens", "output_tokens", "total_tokens"}
	case SpanTypeFunction:
		p.Function = &FunctionPayload{}
		variant = p.Function
		claimed = []string{"name", "input", "output"}
	case SpanTypeAgent:
		p.Agent = &AgentPayload{}
		variant = p.Agent
		claimed = []string{"name", "handoffs", "tools", "output_type"}
	case SpanTypeHandoff:
		p.Handoff = &HandoffPayload{}
		variant = p.Handoff
		claimed = []string{"from_agent", "to_agent"}
	case SpanTypeGuardrail:
		p.Guardrail = &GuardrailPayload{}
		variant = p.Guardrail
		claimed = []string{"name", "triggered"}
	}

	if variant != nil {
		if err := json.Unmarshal(data, variant); err != nil {
			return fmt.Errorf("unmarshal span payload variant %q: %w", p.Type, err)
		}
		for _, key := range claimed {
			delete(flat, key)
		}
	}

	for key, raw := range flat {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any, len(flat))
		}
		p.Extra[key] = value
	}

	return nil
}

// IsZero reports whether the payload carries no data at all.
func (p SpanPayload) IsZero() bool {
	return p.Type == "" &&
		p.Generation == nil && p.Function == nil && p.Agent == nil &&
		p.Handoff == nil && p.Guardrail == nil && len(p.Extra) == 0
}
