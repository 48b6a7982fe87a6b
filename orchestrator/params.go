package orchestrator

import (
	"fmt"

	"github.com/tollgate-ai/gateway/provider"
)

// ParameterConstraint mirrors a single entry of a model's meta.parameterConstraints
// map (spec §4.6 step 3).
type ParameterConstraint struct {
	Supported             bool          `json:"supported"`
	Min                    *float64      `json:"min,omitempty"`
	Max                    *float64      `json:"max,omitempty"`
	Default                interface{}   `json:"default,omitempty"`
	AllowedValues          []interface{} `json:"allowedValues,omitempty"`
	MutuallyExclusiveWith  string        `json:"mutuallyExclusiveWith,omitempty"`
	AlternativeName        string        `json:"alternativeName,omitempty"`
	Reason                 string        `json:"reason,omitempty"`
}

// ValidationError is returned for a constraint breach in step 3; the HTTP
// layer maps it to 422.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Reason)
}

// paramWarning records a non-fatal adjustment (dropped/renamed param) that
// is surfaced to the caller in the unary response body's top-level
// "warnings" field, mirroring the
// teacher's warning-collection style used in provider/tools.go.
type paramWarning struct {
	Param   string `json:"param"`
	Message string `json:"message"`
}

// applyParameterConstraints implements spec §4.6 step 3 against the raw
// request fields the orchestrator cares about (temperature, top_p,
// max_tokens today; extensible via customParameters). It mutates req in
// place and returns the warnings collected along the way.
func applyParameterConstraints(req *provider.ChatRequest, constraints map[string]ParameterConstraint) ([]paramWarning, error) {
	var warnings []paramWarning

	check := func(name string, value *float64) error {
		c, ok := constraints[name]
		if !ok {
			return nil
		}
		if !c.Supported {
			warnings = append(warnings, paramWarning{Param: name, Message: "parameter not supported by this model, dropped"})
			*value = 0
			return nil
		}
		if value == nil {
			return nil
		}
		if c.Min != nil && *value < *c.Min {
			return &ValidationError{Param: name, Reason: fmt.Sprintf("below minimum %v", *c.Min)}
		}
		if c.Max != nil && *value > *c.Max {
			return &ValidationError{Param: name, Reason: fmt.Sprintf("above maximum %v", *c.Max)}
		}
		if len(c.AllowedValues) > 0 {
			found := false
			for _, av := range c.AllowedValues {
				if fmt.Sprintf("%v", av) == fmt.Sprintf("%v", *value) {
					found = true
					break
				}
			}
			if !found {
				return &ValidationError{Param: name, Reason: "not in allowedValues"}
			}
		}
		return nil
	}

	if req.Temperature != nil {
		if tc, ok := constraints["temperature"]; ok && !tc.Supported {
			warnings = append(warnings, paramWarning{Param: "temperature", Message: "parameter not supported by this model, dropped"})
			req.Temperature = nil
		} else if err := check("temperature", req.Temperature); err != nil {
			return warnings, err
		}
	}
	if req.TopP != nil {
		if tc, ok := constraints["top_p"]; ok && !tc.Supported {
			warnings = append(warnings, paramWarning{Param: "top_p", Message: "parameter not supported by this model, dropped"})
			req.TopP = nil
		} else if err := check("top_p", req.TopP); err != nil {
			return warnings, err
		}
	}

	if req.Temperature != nil && req.TopP != nil {
		if tc, ok := constraints["temperature"]; ok && tc.MutuallyExclusiveWith == "top_p" {
			return warnings, &ValidationError{Param: "temperature", Reason: "mutually exclusive with top_p"}
		}
	}

	if mc, ok := constraints["max_tokens"]; ok && req.MaxTokens != nil {
		v := float64(*req.MaxTokens)
		if err := check("max_tokens", &v); err != nil {
			return warnings, err
		}
		if !mc.Supported {
			req.MaxTokens = nil
		} else if mc.AlternativeName != "" {
			warnings = append(warnings, paramWarning{
				Param:   "max_tokens",
				Message: fmt.Sprintf("renamed to %s for this provider", mc.AlternativeName),
			})
		}
	}

	return warnings, nil
}
