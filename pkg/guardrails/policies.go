package guardrails

import (
	"fmt"
	"sort"
)

// Policy describes what a Judge enforces. Instructions is a Go template
// rendered with Variables.
type Policy struct {
	Name         string                 `yaml:"name"`
	Instructions string                 `yaml:"instructions"`
	Variables    map[string]interface{} `yaml:"variables,omitempty"`
}

const (
	ReadabilityPolicyName = "readability"
	MathTopicPolicyName   = "math_topic"
	MathContentPolicyName = "math_content"
)

// ReadabilityPolicy passes text a given audience can understand
func ReadabilityPolicy(audience string) Policy {
	return Policy{
		Name: ReadabilityPolicyName,
		Instructions: "Check if the response uses words or concepts too complex for {{.Audience}}. " +
			"If it does, identify the specific problematic word or phrase. Be brief and specific. " +
			"The text passes only if {{.Audience}} can understand all of it.",
		Variables: map[string]interface{}{"Audience": audience},
	}
}

// MathTopicPolicy passes questions that are clearly about mathematics
func MathTopicPolicy() Policy {
	return Policy{
		Name: MathTopicPolicyName,
		Instructions: "Check if the user's question is related to mathematics. " +
			"It passes only if it is clearly a math question (algebra, calculus, geometry, statistics, arithmetic, etc).",
	}
}

// MathContentPolicy passes responses containing explicit mathematical content
func MathContentPolicy() Policy {
	return Policy{
		Name: MathContentPolicyName,
		Instructions: "Check if the output contains explicit mathematical content like equations, formulas, " +
			"calculations, or mathematical problem solving. It passes only if there are actual mathematical " +
			"expressions, numbers being calculated, or mathematical concepts being explained with formulas. " +
			"General topics, even if they could theoretically involve math, do not pass.",
	}
}

// BuiltinPolicies returns the bundled policies keyed by name
func BuiltinPolicies() map[string]Policy {
	return map[string]Policy{
		ReadabilityPolicyName: ReadabilityPolicy("a ten year old"),
		MathTopicPolicyName:   MathTopicPolicy(),
		MathContentPolicyName: MathContentPolicy(),
	}
}

// ResolvePolicy looks a policy up in custom first, then in the builtins
func ResolvePolicy(name string, custom map[string]Policy) (Policy, error) {
	if p, ok := custom[name]; ok {
		if p.Name == "" {
			p.Name = name
		}
		return p, nil
	}
	builtins := BuiltinPolicies()
	if p, ok := builtins[name]; ok {
		return p, nil
	}

	known := make([]string, 0, len(builtins)+len(custom))
	for n := range builtins {
		known = append(known, n)
	}
	for n := range custom {
		known = append(known, n)
	}
	sort.Strings(known)
	return Policy{}, fmt.Errorf("unknown guardrail policy %q (known: %v)", name, known)
}
