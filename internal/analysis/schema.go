package analysis

import (
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce    sync.Once
	compiledShape *jsonschema.Schema
	compileErr    error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledShape, compileErr = jsonschema.CompileString("comprehensive_analysis", analysisSchema)
	})
	return compiledShape, compileErr
}

// Validate checks a decoded analysis document (a generic map/slice tree,
// as produced by json.Unmarshal into any) against the structured-output
// shape the analysis model must produce (§4.2).
func Validate(doc any) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

const analysisSchema = `{
  "type": "object",
  "required": ["query_analysis", "is_query_clear", "confidence_score", "requires_tool_execution", "conversation_summary"],
  "properties": {
    "query_analysis": { "type": "string" },
    "is_query_clear": { "type": "boolean" },
    "confidence_score": { "type": "number", "minimum": 0, "maximum": 1 },
    "requires_tool_execution": { "type": "boolean" },
    "execution_steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["step_number", "description"],
        "properties": {
          "step_number": { "type": "integer", "minimum": 1 },
          "description": { "type": "string" },
          "required_data": { "type": "array", "items": { "type": "string" } },
          "app_name": { "type": "string" },
          "tool_category": { "type": "string" },
          "dependencies": { "type": "array", "items": { "type": "integer" } },
          "priority": { "type": "string", "enum": ["critical", "high", "med", "low"] }
        },
        "additionalProperties": true
      }
    },
    "estimated_complexity": { "type": "string", "enum": ["low", "med", "high"] },
    "requires_sequential_execution": { "type": "boolean" },
    "needs_info_gathering": { "type": "boolean" },
    "missing_information": { "type": "array", "items": { "type": "string" } },
    "search_queries": { "type": "array", "items": { "type": "string" } },
    "clarification_needed": { "type": "array", "items": { "type": "string" } },
    "can_proceed_with_defaults": { "type": "boolean" },
    "conversation_summary": {
      "type": "object",
      "required": ["current_intent", "state"],
      "properties": {
        "current_intent": { "type": "string" },
        "state": {
          "type": "string",
          "enum": ["information_gathering", "ready_to_execute", "executed", "clarification_needed", "completed"]
        },
        "contextual_details": {
          "type": "object",
          "properties": {
            "gathered": { "type": "array", "items": { "type": "string" } },
            "missing": { "type": "array", "items": { "type": "string" } },
            "preferences": { "type": "array", "items": { "type": "string" } },
            "previous_actions": { "type": "array", "items": { "type": "string" } }
          },
          "additionalProperties": true
        },
        "key_entities": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["type", "value"],
            "properties": {
              "type": { "type": "string" },
              "value": { "type": "string" },
              "confidence": { "type": "number", "minimum": 0, "maximum": 1 }
            },
            "additionalProperties": true
          }
        },
        "next_expected_action": { "type": "string" },
        "topic_shifts": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": true
    },
    "recommended_apps": { "type": "array", "items": { "type": "string" } },
    "tool_priorities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tool_name"],
        "properties": {
          "tool_name": { "type": "string" },
          "priority": { "type": "integer", "minimum": 1, "maximum": 10 }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`
