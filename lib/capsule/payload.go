// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Envelope is the serialized form of every JSON payload stored in a
// capsule: {"schema_version": "<kind>@<major>.<minor>", "data": {…}}.
// Readers reject unknown majors and accept unknown minors, so a kind
// can grow fields without invalidating old readers.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// SchemaVersion is the parsed form of a schema_version tag.
type SchemaVersion struct {
	Kind  string
	Major int
	Minor int
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%s@%d.%d", v.Kind, v.Major, v.Minor)
}

// ParseSchemaVersion parses "<kind>@<major>.<minor>".
func ParseSchemaVersion(tag string) (SchemaVersion, error) {
	kind, version, ok := strings.Cut(tag, "@")
	if !ok || kind == "" {
		return SchemaVersion{}, fmt.Errorf("schema version %q: missing kind@version separator", tag)
	}
	majorText, minorText, ok := strings.Cut(version, ".")
	if !ok {
		return SchemaVersion{}, fmt.Errorf("schema version %q: missing major.minor", tag)
	}
	major, err := strconv.Atoi(majorText)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("schema version %q: bad major: %w", tag, err)
	}
	minor, err := strconv.Atoi(minorText)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("schema version %q: bad minor: %w", tag, err)
	}
	return SchemaVersion{Kind: kind, Major: major, Minor: minor}, nil
}

// CheckSchemaVersion validates a payload's schema_version tag against
// the major version this code understands for that kind. Unknown
// minors pass; a different major returns ErrUnsupportedSchema.
func CheckSchemaVersion(tag string, wantKind string, wantMajor int) error {
	parsed, err := ParseSchemaVersion(tag)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedSchema, err)
	}
	if parsed.Kind != wantKind {
		return fmt.Errorf("%w: payload kind %q, expected %q", ErrUnsupportedSchema, parsed.Kind, wantKind)
	}
	if parsed.Major != wantMajor {
		return fmt.Errorf("%w: %s major %d, this reader supports %d",
			ErrUnsupportedSchema, parsed.Kind, parsed.Major, wantMajor)
	}
	return nil
}

// NewEnvelope wraps data in an envelope with the given schema tag.
// The data value must be JSON-marshalable.
func NewEnvelope(kind string, major, minor int, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	envelope := Envelope{
		SchemaVersion: SchemaVersion{Kind: kind, Major: major, Minor: minor}.String(),
		Data:          raw,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", kind, err)
	}
	return encoded, nil
}

// Event payload schemas. Each struct is the "data" member of an
// envelope whose kind is the EventType string at major version 1.

// IntakeCompletedPayload records a finished intake.
type IntakeCompletedPayload struct {
	IntakeKind    string   `json:"intake_kind"`
	SpecID        string   `json:"spec_id"`
	GroundingURIs []string `json:"grounding_uris"`
}

// GateDecisionPayload records a quality-gate verdict at a stage
// boundary.
type GateDecisionPayload struct {
	Stage     string   `json:"stage"`
	Verdict   string   `json:"verdict"`
	Rationale string   `json:"rationale"`
	Signals   []string `json:"signals"`
}

// RoutingDecisionPayload records which worker a role was routed to.
type RoutingDecisionPayload struct {
	Role       string `json:"role"`
	WorkerKind string `json:"worker_kind"`
	Budget     int64  `json:"budget"`
}

// ToolCallPayload records an outbound tool invocation.
type ToolCallPayload struct {
	Name       string `json:"name"`
	ArgsDigest string `json:"args_digest"`
}

// ToolResultPayload records the outcome of a tool invocation.
type ToolResultPayload struct {
	CallID    string     `json:"call_id"`
	Status    string     `json:"status"`
	OutputURI LogicalUri `json:"output_uri,omitempty"`
}

// ModelCallPayload records a model request/response pair by URI.
type ModelCallPayload struct {
	Model       string         `json:"model"`
	Usage       map[string]int `json:"usage"`
	RequestURI  LogicalUri     `json:"request_uri"`
	ResponseURI LogicalUri     `json:"response_uri"`
}

// StageTransitionPayload records a pipeline stage boundary and the
// checkpoint created at it.
type StageTransitionPayload struct {
	Stage        string       `json:"stage"`
	CheckpointID CheckpointId `json:"checkpoint_id"`
}

// ErrorPayload records a pipeline error.
type ErrorPayload struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// PhaseResolutionPayload records which policy resolved a phase.
type PhaseResolutionPayload struct {
	PolicyID    string `json:"policy_id"`
	EnvOverride string `json:"env_override,omitempty"`
}

// CapsuleExportedPayload records a completed export.
type CapsuleExportedPayload struct {
	TargetDigest string `json:"target_digest"`
}

// CapsuleImportedPayload records a completed import.
type CapsuleImportedPayload struct {
	SourceDigest string `json:"source_digest"`
	Records      int    `json:"records"`
}

// BranchForkPayload records the creation of a run branch from a base
// checkpoint.
type BranchForkPayload struct {
	Branch         BranchId     `json:"branch"`
	Parent         BranchId     `json:"parent"`
	BaseCheckpoint CheckpointId `json:"base_checkpoint"`
}
