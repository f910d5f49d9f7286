// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"errors"
	"testing"
)

func TestBuildURI(t *testing.T) {
	tests := []struct {
		name       string
		workspace  string
		scope      []string
		objectType ObjectType
		objectName string
		want       LogicalUri
		wantErr    bool
	}{
		{
			name:       "scoped artifact",
			workspace:  "acme",
			scope:      []string{"intake", "raw"},
			objectType: ObjectArtifact,
			objectName: "spec-v1",
			want:       "mv2://acme/intake/raw/artifact/spec-v1",
		},
		{
			name:       "scopeless event",
			workspace:  "acme",
			objectType: ObjectEvent,
			objectName: "00000001-ToolCall",
			want:       "mv2://acme/event/00000001-ToolCall",
		},
		{
			name:       "empty workspace falls back to default",
			objectType: ObjectArtifact,
			objectName: "spec",
			want:       "mv2://default/artifact/spec",
		},
		{
			name:       "reserved scope segment",
			workspace:  "acme",
			scope:      []string{"artifact"},
			objectType: ObjectArtifact,
			objectName: "spec",
			wantErr:    true,
		},
		{
			name:       "scope segment with slash",
			workspace:  "acme",
			scope:      []string{"in/take"},
			objectType: ObjectArtifact,
			objectName: "spec",
			wantErr:    true,
		},
		{
			name:       "empty name",
			workspace:  "acme",
			objectType: ObjectArtifact,
			wantErr:    true,
		},
		{
			name:       "name with space",
			workspace:  "acme",
			objectType: ObjectArtifact,
			objectName: "spec v1",
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildURI(tt.workspace, tt.scope, tt.objectType, tt.objectName)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidURI) {
					t.Fatalf("err = %v, want ErrInvalidURI", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildURI: %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildURI = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitRoundTrip(t *testing.T) {
	uri, err := BuildURI("acme", []string{"design", "docs"}, ObjectArtifact, "plan.md")
	if err != nil {
		t.Fatalf("BuildURI: %v", err)
	}
	workspace, scope, objectType, name, err := uri.Split()
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if workspace != "acme" {
		t.Errorf("workspace = %q", workspace)
	}
	if len(scope) != 2 || scope[0] != "design" || scope[1] != "docs" {
		t.Errorf("scope = %v", scope)
	}
	if objectType != ObjectArtifact {
		t.Errorf("objectType = %v", objectType)
	}
	if name != "plan.md" {
		t.Errorf("name = %q", name)
	}
}

func TestParseURIRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"http://acme/artifact/spec",
		"mv2://acme",
		"mv2://acme/spec",            // no object-type segment
		"mv2://acme/widget/spec",     // unknown object type
		"mv2://acme//artifact/spec",  // empty scope segment
		"mv2://acme/artifact/",       // empty name
		"mv2://acme/event/artifact/x",  // reserved segment in scope position
	}
	for _, raw := range bad {
		if _, err := ParseURI(raw); !errors.Is(err, ErrInvalidURI) {
			t.Errorf("ParseURI(%q): err = %v, want ErrInvalidURI", raw, err)
		}
	}
}

func TestHasScopePrefix(t *testing.T) {
	uri := LogicalUri("mv2://acme/design/docs/artifact/plan.md")
	tests := []struct {
		workspace string
		prefix    []string
		want      bool
	}{
		{"acme", nil, true},
		{"acme", []string{"design"}, true},
		{"acme", []string{"design", "docs"}, true},
		{"acme", []string{"docs"}, false},
		{"acme", []string{"design", "docs", "deep"}, false},
		{"other", []string{"design"}, false},
	}
	for _, tt := range tests {
		if got := uri.HasScopePrefix(tt.workspace, tt.prefix); got != tt.want {
			t.Errorf("HasScopePrefix(%q, %v) = %v, want %v", tt.workspace, tt.prefix, got, tt.want)
		}
	}
}
