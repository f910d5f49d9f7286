// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"fmt"
	"time"
)

// ObjectType is the closed set of record kinds a capsule stores. The
// numeric values are the record_kind byte of the wire format — they
// are persistent and must never be renumbered.
type ObjectType uint8

const (
	ObjectArtifact ObjectType = iota
	ObjectCheckpoint
	ObjectEvent
	ObjectUriIndexSnapshot
	ObjectManifest

	// objectTypeCount bounds the valid record_kind range during decode.
	objectTypeCount
)

// Segment returns the URI path segment for the object type.
func (t ObjectType) Segment() string {
	switch t {
	case ObjectArtifact:
		return "artifact"
	case ObjectCheckpoint:
		return "checkpoint"
	case ObjectEvent:
		return "event"
	case ObjectUriIndexSnapshot:
		return "snapshot"
	case ObjectManifest:
		return "manifest"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
}

func (t ObjectType) String() string { return t.Segment() }

// ObjectTypeFromSegment maps a URI segment back to its ObjectType.
func ObjectTypeFromSegment(segment string) (ObjectType, error) {
	switch segment {
	case "artifact":
		return ObjectArtifact, nil
	case "checkpoint":
		return ObjectCheckpoint, nil
	case "event":
		return ObjectEvent, nil
	case "snapshot":
		return ObjectUriIndexSnapshot, nil
	case "manifest":
		return ObjectManifest, nil
	default:
		return 0, fmt.Errorf("unknown object type segment %q", segment)
	}
}

// EventType is the closed set of pipeline occurrences recorded on the
// event track. Values serialize as their string form — adding a new
// type is backward compatible, renaming is not.
type EventType string

const (
	EventIntakeCompleted EventType = "IntakeCompleted"
	EventGateDecision    EventType = "GateDecision"
	EventRoutingDecision EventType = "RoutingDecision"
	EventToolCall        EventType = "ToolCall"
	EventToolResult      EventType = "ToolResult"
	EventModelCall       EventType = "ModelCallEnvelope"
	EventStageTransition EventType = "StageTransition"
	EventError           EventType = "Error"
	EventPhaseResolved   EventType = "PhaseResolved"
	EventCapsuleExported EventType = "CapsuleExported"
	EventCapsuleImported EventType = "CapsuleImported"
	EventPatchApply      EventType = "PatchApply"
	EventBranchFork      EventType = "BranchFork"
)

// knownEventTypes is the closed set accepted by PutEvent.
var knownEventTypes = map[EventType]bool{
	EventIntakeCompleted: true,
	EventGateDecision:    true,
	EventRoutingDecision: true,
	EventToolCall:        true,
	EventToolResult:      true,
	EventModelCall:       true,
	EventStageTransition: true,
	EventError:           true,
	EventPhaseResolved:   true,
	EventCapsuleExported: true,
	EventCapsuleImported: true,
	EventPatchApply:      true,
	EventBranchFork:      true,
}

// Valid reports whether the event type is one of the closed set.
func (t EventType) Valid() bool { return knownEventTypes[t] }

// BranchId names a line of history. The main branch is "main"; run
// branches are conventionally named "run/<id>". Branches are
// copy-on-write over their parent's URI index.
type BranchId string

// MainBranch is the branch that exists implicitly in every capsule.
const MainBranch BranchId = "main"

// IsMain reports whether this is the implicit main branch.
func (b BranchId) IsMain() bool { return b == MainBranch }

func (b BranchId) String() string { return string(b) }

// CheckpointId identifies a checkpoint. Ids are ULIDs: time-ordered,
// so lexicographic order on a branch matches commit order.
type CheckpointId string

func (c CheckpointId) String() string { return string(c) }

// PhysicalPointer locates a record inside the capsule file. Offset is
// the byte position of the record's length prefix; Length is the full
// on-disk record size including the prefix.
type PhysicalPointer struct {
	Offset int64      `cbor:"1,keyasint" json:"offset"`
	Length uint32     `cbor:"2,keyasint" json:"length"`
	Kind   ObjectType `cbor:"3,keyasint" json:"kind"`
}

// IndexEntry is a URI index value: the record pointer plus the fields
// merge resolution needs without re-reading the record.
type IndexEntry struct {
	Pointer PhysicalPointer `cbor:"1,keyasint" json:"pointer"`

	// SHA256 is the hex content hash of the payload. Used for
	// content-identical conflict auto-resolution during merges.
	SHA256 string `cbor:"2,keyasint" json:"sha256"`

	// IntroducedAt is the wall-clock write time of the introducing
	// record. UnionNewerWins merges compare this field.
	IntroducedAt time.Time `cbor:"3,keyasint" json:"introduced_at"`
}
