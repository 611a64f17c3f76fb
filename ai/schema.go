package ai

import (
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// CriteriaFields are the required keys of criteria_analysis.
var CriteriaFields = []string{"model_chip", "battery_health", "condition", "history", "seller_type", "shipping", "seller_credit"}

const verdictSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["prompt_version", "is_recommended", "reason", "risk_tags", "criteria_analysis"],
  "properties": {
    "prompt_version": {"type": ["string", "number"]},
    "is_recommended": {"type": "boolean"},
    "reason": {"type": "string"},
    "risk_tags": {"type": "array", "items": {"type": "string"}},
    "criteria_analysis": {
      "type": "object",
      "required": ["model_chip", "battery_health", "condition", "history", "seller_type", "shipping", "seller_credit"],
      "properties": {
        "model_chip": {"type": "object"},
        "battery_health": {"type": "object"},
        "condition": {"type": "object"},
        "history": {"type": "object"},
        "shipping": {"type": "object"},
        "seller_credit": {"type": "object"},
        "seller_type": {
          "type": "object",
          "properties": {
            "analysis_details": {
              "type": "object",
              "required": ["temporal_analysis", "selling_behavior", "buying_behavior", "behavioral_summary"]
            }
          }
        }
      }
    }
  }
}`

// Validator checks parsed verdict objects against the verdict schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the verdict schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(verdictSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns one message per schema violation; nil means valid.
func (v *Validator) Validate(obj map[string]any) ([]string, error) {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(obj))
	if err != nil {
		return nil, fmt.Errorf("validate verdict: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	errs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		errs[i] = desc.String()
	}
	return errs, nil
}

type criterion struct {
	Status  string `json:"status" jsonschema:"description=Assessment outcome for this criterion."`
	Comment string `json:"comment" jsonschema:"description=Short justification."`
}

type sellerTypeDetails struct {
	TemporalAnalysis  string `json:"temporal_analysis"`
	SellingBehavior   string `json:"selling_behavior"`
	BuyingBehavior    string `json:"buying_behavior"`
	BehavioralSummary string `json:"behavioral_summary"`
}

type sellerTypeCriterion struct {
	Status          string            `json:"status"`
	Comment         string            `json:"comment"`
	AnalysisDetails sellerTypeDetails `json:"analysis_details"`
}

type criteriaShape struct {
	ModelChip     criterion           `json:"model_chip"`
	BatteryHealth criterion           `json:"battery_health"`
	Condition     criterion           `json:"condition"`
	History       criterion           `json:"history"`
	SellerType    sellerTypeCriterion `json:"seller_type"`
	Shipping      criterion           `json:"shipping"`
	SellerCredit  criterion           `json:"seller_credit"`
}

type verdictShape struct {
	PromptVersion    string        `json:"prompt_version" jsonschema:"description=Version tag of the analysis instructions."`
	IsRecommended    bool          `json:"is_recommended" jsonschema:"description=Whether the listing is worth buying."`
	Reason           string        `json:"reason"`
	RiskTags         []string      `json:"risk_tags"`
	CriteriaAnalysis criteriaShape `json:"criteria_analysis"`
}

// ResponseSchema returns the verdict shape as a JSON schema document for
// providers that support structured output.
func ResponseSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(&verdictShape{})
}
