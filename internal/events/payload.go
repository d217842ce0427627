package events

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ModeUserEvent selects a caller-named event; every other mode token is
// treated as a lifecycle event.
const ModeUserEvent = "user_event"

// LifecycleEventPrefix is prepended to the run status to name lifecycle events.
const LifecycleEventPrefix = "metaflow_flow_run_"

// Keys of the base context carried in every payload's data.
const (
	KeyTriggerTimestamp = "metaflow_trigger_timestamp"
	KeyTriggerFlowSpec  = "metaflow_trigger_flow_spec"
	KeyTriggerStepSpec  = "metaflow_trigger_step_spec"
	KeyTriggerFlowName  = "metaflow_trigger_flow_name"
	KeyTriggerRunID     = "metaflow_trigger_run_id"
)

var ErrInvalidUserData = errors.New("invalid user data")

// UserDataEncoding is how the optional user-data argument is passed on the
// command line.
type UserDataEncoding string

const (
	EncodingJSON   UserDataEncoding = "json"
	EncodingBase64 UserDataEncoding = "base64"
)

// ParseUserDataEncoding accepts "json" or "base64"; empty means json.
func ParseUserDataEncoding(s string) (UserDataEncoding, error) {
	switch UserDataEncoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("unknown user data encoding %q (use json or base64)", s)
	}
}

// Body is the event itself.
type Body struct {
	EventName string         `json:"event_name"`
	Timestamp int64          `json:"timestamp"`
	FlowName  string         `json:"flow_name,omitempty"`
	Data      map[string]any `json:"data"`
}

// Payload is the envelope sent to the event source.
type Payload struct {
	Payload Body `json:"payload"`
}

// Marshal encodes the payload. Map keys are emitted sorted, so equal
// payloads always produce identical bytes.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// RunContext identifies the run step that is emitting the event.
type RunContext struct {
	FlowName string
	RunID    string
	StepName string
}

// BaseContext is the data every payload starts from. With enrich set it
// carries the flow and step path specs of the emitting step; otherwise it
// is empty.
func BaseContext(rc RunContext, enrich bool) map[string]any {
	base := make(map[string]any)
	if !enrich {
		return base
	}
	flowSpec := rc.FlowName + "/" + rc.RunID
	base[KeyTriggerFlowSpec] = flowSpec
	base[KeyTriggerStepSpec] = flowSpec + "/" + rc.StepName
	base[KeyTriggerFlowName] = rc.FlowName
	base[KeyTriggerRunID] = rc.RunID
	return base
}

// Merge returns a new map holding every key of base plus the keys of extra
// that base does not already have. base wins on collision; neither input is
// modified.
func Merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// Builder turns trigger arguments into payloads.
type Builder struct {
	Now      func() time.Time
	Encoding UserDataEncoding
}

func (b Builder) now() int64 {
	if b.Now != nil {
		return b.Now().Unix()
	}
	return time.Now().Unix()
}

// Build dispatches on mode: ModeUserEvent builds a user event, anything else
// a lifecycle event. args are the arguments following the mode.
func (b Builder) Build(mode string, args []string, base map[string]any) (Payload, error) {
	if mode == ModeUserEvent {
		return b.UserEvent(args, base)
	}
	return b.LifecycleEvent(args, base)
}

// UserEvent expects "<event_name> [user_data]".
func (b Builder) UserEvent(args []string, base map[string]any) (Payload, error) {
	if len(args) < 1 {
		return Payload{}, fmt.Errorf("%w: expected at least 1 arg for user events; have 0", ErrNotEnoughArgs)
	}
	ts := b.now()

	ctx := Merge(base, map[string]any{KeyTriggerTimestamp: ts})
	userData, err := b.userData(args, 1)
	if err != nil {
		return Payload{}, err
	}

	return Payload{Payload: Body{
		EventName: args[0],
		Timestamp: ts,
		Data:      Merge(ctx, userData),
	}}, nil
}

// LifecycleEvent expects "<flow_name> <status> [user_data]".
func (b Builder) LifecycleEvent(args []string, base map[string]any) (Payload, error) {
	if len(args) < 2 {
		return Payload{}, fmt.Errorf("%w: expected at least 2 args for lifecycle events; have %d", ErrNotEnoughArgs, len(args))
	}
	ts := b.now()

	userData, err := b.userData(args, 2)
	if err != nil {
		return Payload{}, err
	}

	return Payload{Payload: Body{
		EventName: LifecycleEventName(args[1]),
		FlowName:  args[0],
		Timestamp: ts,
		Data:      Merge(base, userData),
	}}, nil
}

// LifecycleEventName maps a run status such as "succeeded" to its event name.
func LifecycleEventName(status string) string {
	return LifecycleEventPrefix + status
}

func (b Builder) userData(args []string, idx int) (map[string]any, error) {
	if len(args) <= idx || args[idx] == "" {
		return nil, nil
	}
	return DecodeUserData(args[idx], b.Encoding)
}

// DecodeUserData parses a JSON object, first undoing base64 when enc says
// so. JSON null decodes to an empty map. Numbers keep their literal form.
func DecodeUserData(raw string, enc UserDataEncoding) (map[string]any, error) {
	data := []byte(raw)
	if enc == EncodingBase64 {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrInvalidUserData, err)
		}
		data = decoded
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUserData, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
