package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var fixedNow = func() time.Time { return time.Unix(1700000000, 0) }

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return string(b)
}

func TestMerge(t *testing.T) {
	base := map[string]any{"a": 1}
	extra := map[string]any{"a": 2, "b": 3}

	got := Merge(base, extra)

	if mustJSON(t, got) != `{"a":1,"b":3}` {
		t.Errorf("Merge() = %v, want {a:1 b:3}", got)
	}
	if len(base) != 1 || base["a"] != 1 {
		t.Errorf("Merge() mutated base: %v", base)
	}
	if len(extra) != 2 || extra["a"] != 2 {
		t.Errorf("Merge() mutated extra: %v", extra)
	}
}

func TestMerge_NilInputs(t *testing.T) {
	if got := Merge(nil, nil); got == nil || len(got) != 0 {
		t.Errorf("Merge(nil, nil) = %v, want empty non-nil map", got)
	}
	if got := Merge(nil, map[string]any{"k": "v"}); got["k"] != "v" {
		t.Errorf("Merge(nil, extra) = %v", got)
	}
}

func TestBaseContext(t *testing.T) {
	rc := RunContext{FlowName: "HelloFlow", RunID: "argo-helloflow-atykf", StepName: "end"}

	enriched := BaseContext(rc, true)
	want := map[string]any{
		KeyTriggerFlowSpec: "HelloFlow/argo-helloflow-atykf",
		KeyTriggerStepSpec: "HelloFlow/argo-helloflow-atykf/end",
		KeyTriggerFlowName: "HelloFlow",
		KeyTriggerRunID:    "argo-helloflow-atykf",
	}
	if mustJSON(t, enriched) != mustJSON(t, want) {
		t.Errorf("BaseContext(enrich) = %v, want %v", enriched, want)
	}

	if plain := BaseContext(rc, false); len(plain) != 0 {
		t.Errorf("BaseContext(plain) = %v, want empty", plain)
	}
}

func TestLifecycleEventName(t *testing.T) {
	if got := LifecycleEventName("succeeded"); got != "metaflow_flow_run_succeeded" {
		t.Errorf("LifecycleEventName(succeeded) = %q", got)
	}
	if got := LifecycleEventName("failed"); got != "metaflow_flow_run_failed" {
		t.Errorf("LifecycleEventName(failed) = %q", got)
	}
}

func TestBuilder_UserEvent(t *testing.T) {
	b := Builder{Now: fixedNow}

	tests := []struct {
		name    string
		args    []string
		base    map[string]any
		want    string
		wantErr error
	}{
		{
			name: "name only",
			args: []string{"data_ready"},
			base: map[string]any{},
			want: `{"payload":{"event_name":"data_ready","timestamp":1700000000,"data":{"metaflow_trigger_timestamp":1700000000}}}`,
		},
		{
			name: "user data merged under base",
			args: []string{"data_ready", `{"table":"sales","metaflow_trigger_run_id":"spoofed"}`},
			base: map[string]any{KeyTriggerRunID: "r-1"},
			want: `{"payload":{"event_name":"data_ready","timestamp":1700000000,"data":{"metaflow_trigger_run_id":"r-1","metaflow_trigger_timestamp":1700000000,"table":"sales"}}}`,
		},
		{
			name: "user data cannot override trigger timestamp",
			args: []string{"data_ready", `{"metaflow_trigger_timestamp":1}`},
			base: nil,
			want: `{"payload":{"event_name":"data_ready","timestamp":1700000000,"data":{"metaflow_trigger_timestamp":1700000000}}}`,
		},
		{
			name: "empty user data argument is ignored",
			args: []string{"data_ready", ""},
			base: nil,
			want: `{"payload":{"event_name":"data_ready","timestamp":1700000000,"data":{"metaflow_trigger_timestamp":1700000000}}}`,
		},
		{
			name:    "missing event name",
			args:    nil,
			wantErr: ErrNotEnoughArgs,
		},
		{
			name:    "malformed user data",
			args:    []string{"data_ready", `{"table":`},
			wantErr: ErrInvalidUserData,
		},
		{
			name:    "user data must be an object",
			args:    []string{"data_ready", `[1,2]`},
			wantErr: ErrInvalidUserData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := b.UserEvent(tt.args, tt.base)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("UserEvent() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("UserEvent() unexpected error: %v", err)
			}
			got, _ := p.Marshal()
			if string(got) != tt.want {
				t.Errorf("UserEvent() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestBuilder_LifecycleEvent(t *testing.T) {
	b := Builder{Now: fixedNow}

	tests := []struct {
		name    string
		args    []string
		base    map[string]any
		want    string
		wantErr error
	}{
		{
			name: "succeeded",
			args: []string{"HelloFlow", "succeeded"},
			base: map[string]any{KeyTriggerFlowName: "HelloFlow"},
			want: `{"payload":{"event_name":"metaflow_flow_run_succeeded","timestamp":1700000000,"flow_name":"HelloFlow","data":{"metaflow_trigger_flow_name":"HelloFlow"}}}`,
		},
		{
			name: "failed with user data",
			args: []string{"HelloFlow", "failed", `{"reason":"oom","retries":3}`},
			base: map[string]any{},
			want: `{"payload":{"event_name":"metaflow_flow_run_failed","timestamp":1700000000,"flow_name":"HelloFlow","data":{"reason":"oom","retries":3}}}`,
		},
		{
			name:    "status missing",
			args:    []string{"HelloFlow"},
			wantErr: ErrNotEnoughArgs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := b.LifecycleEvent(tt.args, tt.base)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("LifecycleEvent() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LifecycleEvent() unexpected error: %v", err)
			}
			got, _ := p.Marshal()
			if string(got) != tt.want {
				t.Errorf("LifecycleEvent() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestBuilder_Build(t *testing.T) {
	b := Builder{Now: fixedNow}

	p, err := b.Build(ModeUserEvent, []string{"custom"}, nil)
	if err != nil || p.Payload.EventName != "custom" {
		t.Errorf("Build(user_event) = %+v, %v", p, err)
	}

	p, err = b.Build("lifecycle", []string{"F", "succeeded"}, nil)
	if err != nil || p.Payload.EventName != "metaflow_flow_run_succeeded" || p.Payload.FlowName != "F" {
		t.Errorf("Build(lifecycle) = %+v, %v", p, err)
	}
}

func TestBuilder_Base64UserData(t *testing.T) {
	b := Builder{Now: fixedNow, Encoding: EncodingBase64}
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"table":"sales"}`))

	p, err := b.UserEvent([]string{"data_ready", encoded}, nil)
	if err != nil {
		t.Fatalf("UserEvent() unexpected error: %v", err)
	}
	if p.Payload.Data["table"] != "sales" {
		t.Errorf("decoded data = %v, want table=sales", p.Payload.Data)
	}

	_, err = b.UserEvent([]string{"data_ready", `{"table":"sales"}`}, nil)
	if !errors.Is(err, ErrInvalidUserData) {
		t.Errorf("plain JSON under base64 encoding should fail, got %v", err)
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	b := Builder{Now: fixedNow}
	base := BaseContext(RunContext{FlowName: "F", RunID: "R", StepName: "S"}, true)
	args := []string{"F", "succeeded", `{"z":1,"a":{"nested":true}}`}

	first, _ := b.LifecycleEvent(args, base)
	second, _ := b.LifecycleEvent(args, base)

	b1, _ := first.Marshal()
	b2, _ := second.Marshal()
	if string(b1) != string(b2) {
		t.Errorf("payload bytes differ:\n%s\n%s", b1, b2)
	}
}

func TestParseUserDataEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    UserDataEncoding
		wantErr bool
	}{
		{in: "", want: EncodingJSON},
		{in: "json", want: EncodingJSON},
		{in: "BASE64", want: EncodingBase64},
		{in: "yaml", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseUserDataEncoding(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUserDataEncoding(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUserDataEncoding(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeUserData_Null(t *testing.T) {
	got, err := DecodeUserData("null", EncodingJSON)
	if err != nil {
		t.Fatalf("DecodeUserData(null) error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("DecodeUserData(null) = %v, want empty map", got)
	}
}
