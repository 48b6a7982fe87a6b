package orchestrator

import (
	"testing"

	"github.com/tollgate-ai/gateway/provider"
)

func f(v float64) *float64 { return &v }
func i(v int) *int         { return &v }

func TestApplyParameterConstraintsWithinRangeNoWarnings(t *testing.T) {
	req := &provider.ChatRequest{Temperature: f(0.7)}
	constraints := map[string]ParameterConstraint{
		"temperature": {Supported: true, Min: f(0), Max: f(2)},
	}
	warnings, err := applyParameterConstraints(req, constraints)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", warnings)
	}
}

func TestApplyParameterConstraintsBelowMinimum(t *testing.T) {
	req := &provider.ChatRequest{Temperature: f(-1)}
	constraints := map[string]ParameterConstraint{
		"temperature": {Supported: true, Min: f(0), Max: f(2)},
	}
	_, err := applyParameterConstraints(req, constraints)
	var valErr *ValidationError
	if err == nil {
		t.Fatal("expected a validation error for a below-minimum value")
	}
	if ve, ok := err.(*ValidationError); ok {
		valErr = ve
	}
	if valErr == nil || valErr.Param != "temperature" {
		t.Fatalf("expected ValidationError on temperature, got %v", err)
	}
}

func TestApplyParameterConstraintsAboveMaximum(t *testing.T) {
	req := &provider.ChatRequest{Temperature: f(5)}
	constraints := map[string]ParameterConstraint{
		"temperature": {Supported: true, Min: f(0), Max: f(2)},
	}
	if _, err := applyParameterConstraints(req, constraints); err == nil {
		t.Fatal("expected a validation error for an above-maximum value")
	}
}

func TestApplyParameterConstraintsUnsupportedDropsValueWithWarning(t *testing.T) {
	req := &provider.ChatRequest{Temperature: f(0.5)}
	constraints := map[string]ParameterConstraint{
		"temperature": {Supported: false},
	}
	warnings, err := applyParameterConstraints(req, constraints)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if req.Temperature != nil {
		t.Fatal("expected unsupported temperature to be dropped (set to nil)")
	}
	if len(warnings) != 1 || warnings[0].Param != "temperature" {
		t.Fatalf("expected one dropped-parameter warning, got %+v", warnings)
	}
}

func TestApplyParameterConstraintsMutuallyExclusive(t *testing.T) {
	req := &provider.ChatRequest{Temperature: f(0.5), TopP: f(0.9)}
	constraints := map[string]ParameterConstraint{
		"temperature": {Supported: true, MutuallyExclusiveWith: "top_p"},
		"top_p":       {Supported: true},
	}
	_, err := applyParameterConstraints(req, constraints)
	if err == nil {
		t.Fatal("expected a mutual-exclusivity validation error")
	}
}

func TestApplyParameterConstraintsAllowedValues(t *testing.T) {
	req := &provider.ChatRequest{Temperature: f(0.5)}
	constraints := map[string]ParameterConstraint{
		"temperature": {Supported: true, AllowedValues: []interface{}{0.0, 1.0}},
	}
	if _, err := applyParameterConstraints(req, constraints); err == nil {
		t.Fatal("expected a not-in-allowedValues validation error")
	}

	req2 := &provider.ChatRequest{Temperature: f(1.0)}
	if _, err := applyParameterConstraints(req2, constraints); err != nil {
		t.Fatalf("expected an allowed value to pass, got %v", err)
	}
}

func TestApplyParameterConstraintsMaxTokensAlternativeNameWarns(t *testing.T) {
	req := &provider.ChatRequest{MaxTokens: i(512)}
	constraints := map[string]ParameterConstraint{
		"max_tokens": {Supported: true, Max: f(4096), AlternativeName: "maxOutputTokens"},
	}
	warnings, err := applyParameterConstraints(req, constraints)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(warnings) != 1 || warnings[0].Message == "" {
		t.Fatalf("expected a rename warning, got %+v", warnings)
	}
}

func TestApplyParameterConstraintsNoConstraintsIsNoop(t *testing.T) {
	req := &provider.ChatRequest{Temperature: f(10), TopP: f(10)}
	warnings, err := applyParameterConstraints(req, map[string]ParameterConstraint{})
	if err != nil {
		t.Fatalf("expected no error with no constraints configured, got %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", warnings)
	}
}
