package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Workana/li3-gearman/internal/runtime/jsoncodec"
)

// Envelope is the unit published for every job.
type Envelope struct {
	ID            string         `json:"id"`
	Action        string         `json:"action"`
	ConfigName    string         `json:"config_name,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Args          map[string]any `json:"args,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	RunAt         time.Time      `json:"run_at"`
}

// Workload is the job description handed to Execute on the worker side.
func (e Envelope) Workload() map[string]any {
	w := map[string]any{
		"id":          e.ID,
		"config_name": e.ConfigName,
		"enqueued_at": e.EnqueuedAt.Format(time.RFC3339Nano),
	}
	if e.CorrelationID != "" {
		w["correlation_id"] = e.CorrelationID
	}
	if !e.RunAt.IsZero() {
		w["run_at"] = e.RunAt.Format(time.RFC3339Nano)
	}
	if len(e.Options) > 0 {
		w["options"] = e.Options
	}
	return w
}

// Codec turns envelopes into message payloads.
type Codec interface {
	Name() string
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte) (Envelope, error)
}

// Codec names accepted by the "codec" option.
const (
	CodecJSON  = "json"
	CodecProto = "proto"
)

// CodecByName returns the codec registered under name. An empty name is JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecProto, "protobuf":
		return ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("job: unknown codec %q", name)
}

// JSONCodec encodes envelopes as JSON with sorted keys.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Marshal(e Envelope) ([]byte, error) {
	return jsoncodec.Marshal(e)
}

func (JSONCodec) Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("job: decode json envelope: %w", err)
	}
	return e, nil
}

// ProtoCodec encodes envelopes as a protobuf Struct. Args and options are
// normalized to JSON types first, so integers come back as float64.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return CodecProto }

func (ProtoCodec) Marshal(e Envelope) ([]byte, error) {
	args, err := jsonCompatible(e.Args)
	if err != nil {
		return nil, err
	}
	options, err := jsonCompatible(e.Options)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"id":          e.ID,
		"action":      e.Action,
		"enqueued_at": formatTime(e.EnqueuedAt),
		"run_at":      formatTime(e.RunAt),
	}
	if e.ConfigName != "" {
		fields["config_name"] = e.ConfigName
	}
	if e.CorrelationID != "" {
		fields["correlation_id"] = e.CorrelationID
	}
	if args != nil {
		fields["args"] = args
	}
	if options != nil {
		fields["options"] = options
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("job: encode proto envelope: %w", err)
	}
	return proto.Marshal(s)
}

func (ProtoCodec) Unmarshal(data []byte) (Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Envelope{}, fmt.Errorf("job: decode proto envelope: %w", err)
	}
	m := s.AsMap()

	e := Envelope{
		ID:            cast.ToString(m["id"]),
		Action:        cast.ToString(m["action"]),
		ConfigName:    cast.ToString(m["config_name"]),
		CorrelationID: cast.ToString(m["correlation_id"]),
	}
	if args, ok := m["args"].(map[string]any); ok {
		e.Args = args
	}
	if options, ok := m["options"].(map[string]any); ok {
		e.Options = options
	}
	var err error
	if e.EnqueuedAt, err = parseTime(m["enqueued_at"]); err != nil {
		return Envelope{}, fmt.Errorf("job: decode proto envelope: enqueued_at: %w", err)
	}
	if e.RunAt, err = parseTime(m["run_at"]); err != nil {
		return Envelope{}, fmt.Errorf("job: decode proto envelope: run_at: %w", err)
	}
	return e, nil
}

func jsonCompatible(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := jsoncodec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("job: arguments are not serializable: %w", err)
	}
	var out map[string]any
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v any) (time.Time, error) {
	s := cast.ToString(v)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
