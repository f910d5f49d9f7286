// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"fmt"
	"strings"
)

// URIScheme is the scheme prefix of every logical URI.
const URIScheme = "mv2://"

// DefaultWorkspace is the workspace segment used when a capsule is
// opened without an explicit workspace id.
const DefaultWorkspace = "default"

// reservedNames are segment values that cannot appear in a URI scope:
// they are the object-type segment vocabulary and allowing them in
// scopes would make parsing ambiguous.
var reservedNames = map[string]bool{
	"artifact":   true,
	"event":      true,
	"checkpoint": true,
	"manifest":   true,
	"snapshot":   true,
}

// LogicalUri is a stable identifier of the form
//
//	mv2://<workspace>/<scope...>/<object-type>/<name>
//
// where scope is zero or more /-delimited segments restricted to
// [A-Za-z0-9._-]. A LogicalUri resolves to the same bytes forever on
// the branch it was written to, regardless of the record's physical
// offset.
type LogicalUri string

// BuildURI constructs a logical URI from its components. The scope may
// be empty. Returns ErrInvalidURI if any segment is malformed or uses
// a reserved name.
func BuildURI(workspace string, scope []string, objectType ObjectType, name string) (LogicalUri, error) {
	if workspace == "" {
		workspace = DefaultWorkspace
	}
	if !validSegment(workspace) {
		return "", fmt.Errorf("%w: workspace %q", ErrInvalidURI, workspace)
	}
	for _, segment := range scope {
		if !validSegment(segment) {
			return "", fmt.Errorf("%w: scope segment %q", ErrInvalidURI, segment)
		}
		if reservedNames[segment] {
			return "", fmt.Errorf("%w: scope segment %q is reserved", ErrInvalidURI, segment)
		}
	}
	if !validSegment(name) {
		return "", fmt.Errorf("%w: name %q", ErrInvalidURI, name)
	}

	var builder strings.Builder
	builder.WriteString(URIScheme)
	builder.WriteString(workspace)
	for _, segment := range scope {
		builder.WriteByte('/')
		builder.WriteString(segment)
	}
	builder.WriteByte('/')
	builder.WriteString(objectType.Segment())
	builder.WriteByte('/')
	builder.WriteString(name)
	return LogicalUri(builder.String()), nil
}

// ParseURI validates a URI string and returns it as a LogicalUri.
// Returns ErrInvalidURI for anything that BuildURI would not produce.
func ParseURI(raw string) (LogicalUri, error) {
	uri := LogicalUri(raw)
	if _, _, _, _, err := uri.Split(); err != nil {
		return "", err
	}
	return uri, nil
}

// Split decomposes the URI into workspace, scope segments, object
// type, and name.
func (u LogicalUri) Split() (workspace string, scope []string, objectType ObjectType, name string, err error) {
	raw := string(u)
	if !strings.HasPrefix(raw, URIScheme) {
		return "", nil, 0, "", fmt.Errorf("%w: missing %s prefix in %q", ErrInvalidURI, URIScheme, raw)
	}
	segments := strings.Split(raw[len(URIScheme):], "/")
	// Minimum shape: workspace / object-type / name.
	if len(segments) < 3 {
		return "", nil, 0, "", fmt.Errorf("%w: too few segments in %q", ErrInvalidURI, raw)
	}

	workspace = segments[0]
	name = segments[len(segments)-1]
	typeSegment := segments[len(segments)-2]
	scope = segments[1 : len(segments)-2]

	objectType, err = ObjectTypeFromSegment(typeSegment)
	if err != nil {
		return "", nil, 0, "", fmt.Errorf("%w: %q has object type %q", ErrInvalidURI, raw, typeSegment)
	}

	if !validSegment(workspace) || !validSegment(name) {
		return "", nil, 0, "", fmt.Errorf("%w: malformed segment in %q", ErrInvalidURI, raw)
	}
	for _, segment := range scope {
		if !validSegment(segment) || reservedNames[segment] {
			return "", nil, 0, "", fmt.Errorf("%w: malformed scope segment %q in %q", ErrInvalidURI, segment, raw)
		}
	}
	return workspace, scope, objectType, name, nil
}

// ObjectType reports the object-type segment of the URI. Returns an
// error if the URI is malformed.
func (u LogicalUri) ObjectType() (ObjectType, error) {
	_, _, objectType, _, err := u.Split()
	return objectType, err
}

// HasScopePrefix reports whether the URI's workspace and scope begin
// with the given prefix segments. An empty prefix matches every URI in
// the workspace.
func (u LogicalUri) HasScopePrefix(workspace string, prefix []string) bool {
	uriWorkspace, scope, _, _, err := u.Split()
	if err != nil || uriWorkspace != workspace {
		return false
	}
	if len(prefix) > len(scope) {
		return false
	}
	for i, segment := range prefix {
		if scope[i] != segment {
			return false
		}
	}
	return true
}

func (u LogicalUri) String() string { return string(u) }

// validSegment reports whether s is a non-empty run of the characters
// permitted in URI segments: [A-Za-z0-9._-].
func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
