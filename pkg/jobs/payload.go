package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PayloadSchemaVersion is the highest payload schema version this module reads and the
// version it writes.
const PayloadSchemaVersion = 1

// Payload is the transport description of one unit of work.
//
// Data holds the target arguments verbatim. It is usually a JSON document but may
// itself be a JSON string carrying a pre-serialized document (see QueuedCall).
type Payload struct {
	Version     int             `json:"version,omitempty"`
	ID          string          `json:"id,omitempty"`
	Target      string          `json:"target"`
	Data        json.RawMessage `json:"data"`
	Attempts    *int            `json:"attempts,omitempty"`
	MaxTries    *int            `json:"maxTries,omitempty"`
	Timeout     *int            `json:"timeout,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
}

// Validate checks the fields every decoded or encoded payload must carry.
func (p *Payload) Validate() error {
	if p == nil {
		return jobsError(ErrSerialization, "payload is nil")
	}
	if p.Version < 0 || p.Version > PayloadSchemaVersion {
		return jobsError(ErrSerialization, fmt.Sprintf("unsupported payload version %d", p.Version))
	}
	if strings.TrimSpace(p.Target) == "" {
		return jobsError(ErrSerialization, "payload target is required")
	}
	if len(bytes.TrimSpace(p.Data)) == 0 {
		return jobsError(ErrSerialization, "payload data is required")
	}
	if p.MaxTries != nil && *p.MaxTries < 0 {
		return jobsError(ErrSerialization, "payload maxTries must be >= 0")
	}
	if p.Timeout != nil && *p.Timeout < 0 {
		return jobsError(ErrSerialization, "payload timeout must be >= 0")
	}
	return nil
}

// AttemptCount returns the attempts recorded inside the payload, zero when absent.
func (p *Payload) AttemptCount() int {
	if p == nil || p.Attempts == nil {
		return 0
	}
	return *p.Attempts
}

// TimeoutDuration converts the timeout hint to a duration. ok is false when the
// payload does not declare one.
func (p *Payload) TimeoutDuration() (time.Duration, bool) {
	if p == nil || p.Timeout == nil {
		return 0, false
	}
	return time.Duration(*p.Timeout) * time.Second, true
}

// Codec turns payloads into transportable bytes and back.
type Codec interface {
	Decode(raw []byte) (*Payload, error)
	Encode(payload *Payload) ([]byte, error)
}

// JSONCodec is the default Codec. Its JSON layout is the wire format shared by
// every backend in this module.
type JSONCodec struct{}

// DefaultCodec is used when a job is built without an explicit codec.
var DefaultCodec Codec = JSONCodec{}

// Decode parses raw into a validated Payload. Every failure wraps ErrSerialization.
func (JSONCodec) Decode(raw []byte) (*Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, jobsError(ErrSerialization, "payload is empty")
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Join(jobsError(ErrSerialization, "decode payload failed"), err)
	}
	if payload.Version == 0 {
		payload.Version = 1
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Encode validates and serializes payload, stamping the current schema version.
func (JSONCodec) Encode(payload *Payload) ([]byte, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	out := *payload
	out.Version = PayloadSchemaVersion
	raw, err := json.Marshal(&out)
	if err != nil {
		return nil, errors.Join(jobsError(ErrSerialization, "encode payload failed"), err)
	}
	return raw, nil
}

// MarshalData encodes job arguments as payload data.
func MarshalData(data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(jobsError(ErrSerialization, "marshal job data failed"), err)
	}
	return raw, nil
}

// unwrapEncoded returns the document carried by raw. When raw is a JSON string the
// string content is returned as the document; otherwise raw is returned unchanged.
func unwrapEncoded(raw json.RawMessage) (json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return raw, false, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, true, errors.Join(jobsError(ErrSerialization, "decode encoded data failed"), err)
	}
	return json.RawMessage(inner), true, nil
}

func intPtr(v int) *int {
	return &v
}
