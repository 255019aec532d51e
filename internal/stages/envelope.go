package stages

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/animus-labs/cineforge/internal/domain"
)

// Envelope tags a payload with the stage it belongs to.
type Envelope struct {
	Stage domain.StageName `json:"stage"`
	Data  json.RawMessage  `json:"data"`
}

// Encode wraps payload in an envelope for stage.
func Encode(stage domain.StageName, payload any) (json.RawMessage, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", stage, err)
	}
	return json.Marshal(Envelope{Stage: stage, Data: data})
}

// Open decodes an envelope and checks that it is tagged with stage.
func Open(stage domain.StageName, raw json.RawMessage) (Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Envelope{}, &ValidationError{Stage: string(stage), Issues: []string{"payload is empty"}}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ValidationError{Stage: string(stage), Issues: []string{"payload is not a valid envelope: " + err.Error()}}
	}
	if env.Stage != stage {
		return Envelope{}, &ValidationError{Stage: string(stage), Issues: []string{fmt.Sprintf("payload is tagged %q", env.Stage)}}
	}
	if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return Envelope{}, &ValidationError{Stage: string(stage), Issues: []string{"payload data is empty"}}
	}
	return env, nil
}

// DecodeInput returns a pointer to the typed input carried in raw.
func DecodeInput(stage domain.StageName, raw json.RawMessage) (any, error) {
	env, err := Open(stage, raw)
	if err != nil {
		return nil, err
	}
	target, err := newInput(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, &ValidationError{Stage: string(stage), Issues: []string{"input does not match schema: " + err.Error()}}
	}
	return target, nil
}

// DecodeOutput returns a pointer to the typed output carried in raw.
func DecodeOutput(stage domain.StageName, raw json.RawMessage) (any, error) {
	env, err := Open(stage, raw)
	if err != nil {
		return nil, err
	}
	target, err := newOutput(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, &ValidationError{Stage: string(stage), Issues: []string{"output does not match schema: " + err.Error()}}
	}
	return target, nil
}
