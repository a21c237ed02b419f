package interfaces

import "encoding/json"

// ResponseFormat defines the format of the response from the LLM
type ResponseFormat struct {
	Type   ResponseFormatType
	Name   string     // The name of the struct/object to be returned
	Schema JSONSchema // JSON schema representation of the struct
}

type JSONSchema map[string]interface{}

// MarshalJSON implements the json.Marshaler interface
func (s JSONSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(s))
}

type ResponseFormatType string

const (
	ResponseFormatJSON ResponseFormatType = "json_object"
	ResponseFormatText ResponseFormatType = "text"
)

// VerdictFormat is the structured output a guardrail judge must produce
var VerdictFormat = ResponseFormat{
	Type: ResponseFormatJSON,
	Name: "guardrail_verdict",
	Schema: JSONSchema{
		"type": "object",
		"properties": map[string]interface{}{
			"reasoning": map[string]interface{}{
				"type":        "string",
				"description": "Brief explanation naming the specific word, phrase or concept behind the decision",
			},
			"passes": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the text satisfies the policy",
			},
		},
		"required":             []string{"reasoning", "passes"},
		"additionalProperties": false,
	},
}
