package permissions

import "testing"

func TestEvaluatePropertyAccess_NoPolicyIsNotApplicable(t *testing.T) {
	if got := EvaluatePropertyAccess(nil, "color", OpRead); got != NotApplicable {
		t.Errorf("got %v, want NotApplicable", got)
	}
}

func TestEvaluatePropertyAccess_FailClosedOnNotApplicable(t *testing.T) {
	if !NotApplicable.Fail() {
		t.Error("NotApplicable must be treated as a failure at enforcement points")
	}
	if Allowed.Fail() {
		t.Error("Allowed must not be treated as a failure")
	}
	if !Denied.Fail() {
		t.Error("Denied must be treated as a failure")
	}
}

func TestEvaluatePropertyAccess_ExclusionWinsOverInclusion(t *testing.T) {
	p := &Policy{
		Patterns:         []string{"**"},
		ExcludedPatterns: []string{"secret/*"},
		Operations:       map[Operation]bool{OpRead: true},
	}
	if got := EvaluatePropertyAccess(p, "secret/ssn", OpRead); got != Denied {
		t.Errorf("got %v, want Denied", got)
	}
	if got := EvaluatePropertyAccess(p, "color", OpRead); got != Allowed {
		t.Errorf("got %v, want Allowed", got)
	}
}

func TestEvaluatePropertyAccess_OperationNotPermitted(t *testing.T) {
	p := &Policy{
		Patterns:   []string{"**"},
		Operations: map[Operation]bool{OpRead: true},
	}
	if got := EvaluatePropertyAccess(p, "color", OpWrite); got != Denied {
		t.Errorf("got %v, want Denied", got)
	}
}

func TestEvaluatePropertyAccess_ListPrefixStripped(t *testing.T) {
	p := &Policy{
		Patterns:   []string{"friends"},
		Operations: map[Operation]bool{OpRead: true},
	}
	if got := EvaluatePropertyAccess(p, "list:friends", OpRead); got != Allowed {
		t.Errorf("got %v, want Allowed", got)
	}
}

func TestGlobDoubleStarCrossesSlash(t *testing.T) {
	if !matchGlob("properties/**", "properties/config/theme") {
		t.Error("** should cross /")
	}
	if matchGlob("properties/*", "properties/config/theme") {
		t.Error("single * should not cross /")
	}
}

func TestFilterSubscriptionData_DropsDeniedKeysAndSuppressesWhenEmpty(t *testing.T) {
	p := &Policy{
		Patterns:   []string{"color"},
		Operations: map[Operation]bool{OpRead: true},
	}
	blob := []byte(`{"color":"red","ssn":"123-45-6789"}`)

	filtered, ok := FilterSubscriptionData(p, blob)
	if !ok {
		t.Fatal("expected ok=true with at least one permitted key")
	}
	if string(filtered) != `{"color":"red"}` {
		t.Errorf("filtered: got %s", filtered)
	}

	onlyDenied := []byte(`{"ssn":"123-45-6789"}`)
	if _, ok := FilterSubscriptionData(p, onlyDenied); ok {
		t.Error("expected suppression when all keys denied")
	}
}

func TestFilterSubscriptionData_FailsClosedOnMalformedBlob(t *testing.T) {
	p := &Policy{Patterns: []string{"**"}, Operations: map[Operation]bool{OpRead: true}}
	if _, ok := FilterSubscriptionData(p, []byte("not json")); ok {
		t.Error("expected suppression on unparseable blob")
	}
}

func TestMergePoliciesUnionsPatternsAndOperations(t *testing.T) {
	base := &Policy{Patterns: []string{"public/*"}, Operations: map[Operation]bool{OpRead: true}}
	override := &Policy{Patterns: []string{"shared/*"}, Operations: map[Operation]bool{OpWrite: true}}

	merged := Merge(base, override)
	if !merged.HasOperation(OpRead) || !merged.HasOperation(OpWrite) {
		t.Error("expected both operations present after merge")
	}
	if EvaluatePropertyAccess(merged, "shared/doc", OpWrite) != Allowed {
		t.Error("expected override pattern reachable after merge")
	}
}
