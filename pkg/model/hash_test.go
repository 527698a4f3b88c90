package model

import "testing"

func TestPOIHash_Deterministic(t *testing.T) {
	a := POIHash("auth.js", "login", "function", 10)
	b := POIHash("auth.js", "login", "function", 10)
	if a != b {
		t.Fatalf("POIHash not deterministic: %q != %q", a, b)
	}
}

func TestPOIHash_DistinguishesFields(t *testing.T) {
	base := POIHash("auth.js", "login", "function", 10)
	cases := []string{
		POIHash("auth.js", "login", "function", 11),
		POIHash("auth.js", "logout", "function", 10),
		POIHash("auth.js", "login", "class", 10),
		POIHash("other.js", "login", "function", 10),
	}
	for i, c := range cases {
		if c == base {
			t.Errorf("case %d: expected different hash, got collision with base", i)
		}
	}
}

func TestRelationshipHash_Deterministic(t *testing.T) {
	a := RelationshipHash("auth.js", "login", "hash", "CALLS")
	b := RelationshipHash("auth.js", "login", "hash", "CALLS")
	if a != b {
		t.Fatalf("RelationshipHash not deterministic: %q != %q", a, b)
	}
}

func TestSemanticID_StableAcrossLineShift(t *testing.T) {
	a := SemanticID("auth.js", "login")
	b := SemanticID("auth.js", "login")
	if a != b {
		t.Fatalf("SemanticID not stable: %q != %q", a, b)
	}
	if SemanticID("auth.js", "logout") == a {
		t.Error("SemanticID should differ for a different name")
	}
}
