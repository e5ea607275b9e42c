package workflow

import "testing"

func TestEvalWhenEmptyIsTrue(t *testing.T) {
	ok, err := evalWhen("", nil)
	if err != nil || !ok {
		t.Fatalf("expected true, nil; got %v, %v", ok, err)
	}
}

func TestEvalWhenTruthyLookup(t *testing.T) {
	ctxVars := map[string]any{"approved": true}
	ok, err := evalWhen("approved", ctxVars)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v, %v", ok, err)
	}
}

func TestEvalWhenNegation(t *testing.T) {
	ctxVars := map[string]any{"skip": true}
	ok, err := evalWhen("!skip", ctxVars)
	if err != nil || ok {
		t.Fatalf("expected false, got %v, %v", ok, err)
	}
}

func TestEvalWhenNumericComparison(t *testing.T) {
	ctxVars := map[string]any{"score": 85.0}
	ok, err := evalWhen("score >= 80", ctxVars)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v, %v", ok, err)
	}
	ok, err = evalWhen("score < 80", ctxVars)
	if err != nil || ok {
		t.Fatalf("expected false, got %v, %v", ok, err)
	}
}

func TestEvalWhenStringEquality(t *testing.T) {
	ctxVars := map[string]any{"region": "us-east"}
	ok, err := evalWhen(`region == "us-east"`, ctxVars)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v, %v", ok, err)
	}
	ok, err = evalWhen(`region != "eu-west"`, ctxVars)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v, %v", ok, err)
	}
}

func TestEvalWhenMissingKeyIsFalsy(t *testing.T) {
	ok, err := evalWhen("nonexistent", map[string]any{})
	if err != nil || ok {
		t.Fatalf("expected false, got %v, %v", ok, err)
	}
}
