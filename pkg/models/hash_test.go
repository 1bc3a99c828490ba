package models

import "testing"

func TestRelationshipHash_Canonical(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		target   string
		relType  RelationshipType
		expected string
	}{
		{
			name:     "cross-file import",
			source:   "a.js",
			target:   "b.js",
			relType:  RelationshipImports,
			expected: "f435edc7d91ffe4b684a1a40682fad9fa84d4446cf419c8718199bd28c83531b",
		},
		{
			name:     "intra-file call",
			source:   "app.js:caller",
			target:   "app.js:callee",
			relType:  RelationshipCalls,
			expected: "e4e27db901cc2e96b3210c694dbd5735d8862cbb59cf06e02b7317cbb9a4cd5c",
		},
		{
			name:     "glossary form from the canonical definition",
			source:   "a",
			target:   "b",
			relType:  RelationshipCalls,
			expected: "958d799c1cb2eb69e2a16c5fbbb34fe9d3aa856bd92e0a692c7e9c5f16c3e355",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RelationshipHash(tt.source, tt.target, tt.relType)
			if got != tt.expected {
				t.Errorf("RelationshipHash(%q, %q, %q) = %s, want %s",
					tt.source, tt.target, tt.relType, got, tt.expected)
			}
		})
	}
}

func TestRelationshipHash_DirectionMatters(t *testing.T) {
	forward := RelationshipHash("a", "b", RelationshipCalls)
	reverse := RelationshipHash("b", "a", RelationshipCalls)
	if forward == reverse {
		t.Error("relationship hash must be direction-sensitive")
	}
}

func TestFilePairHash_OrderIndependent(t *testing.T) {
	ab := FilePairHash("a.js", "b.js")
	ba := FilePairHash("b.js", "a.js")
	if ab != ba {
		t.Errorf("file pair hash must be order-independent: %s != %s", ab, ba)
	}

	expected := "8e8afa75c3d57c8bbf90d75741a6c4e632e6520c5d44c59aa991a63546af31b4"
	if ab != expected {
		t.Errorf("FilePairHash(a.js, b.js) = %s, want %s", ab, expected)
	}
}

func TestFilePairHash_SelfPair(t *testing.T) {
	// A file paired with itself keys intra-file evidence.
	self := FilePairHash("main.go", "main.go")
	if self == "" {
		t.Fatal("self pair must produce a hash")
	}
	if self == FilePairHash("main.go", "util.go") {
		t.Error("self pair must differ from cross-file pair")
	}
}

func TestValidRelationshipType(t *testing.T) {
	for _, rt := range RelationshipTypes {
		if !ValidRelationshipType(rt) {
			t.Errorf("expected %q to be valid", rt)
		}
	}
	if ValidRelationshipType("DROP TABLE") {
		t.Error("unknown type must be invalid")
	}
}
