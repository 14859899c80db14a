package procedure

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// RuleVerdict is the output of a rules node.
type RuleVerdict struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// rulesDocument is the JSON document rule checks run against: upstream
// results keyed by agent label, plus the node's own user input.
func rulesDocument(in ActionInput) map[string]any {
	doc := make(map[string]any, len(in.Upstream)+1)
	for _, u := range in.Upstream {
		text := strings.TrimSpace(u.Output)
		if text == "" {
			text = strings.TrimSpace(u.UserInput)
		}
		if text == "" {
			continue
		}
		doc[u.Label()] = decodeLoose(text)
	}
	if strings.TrimSpace(in.UserInput) != "" {
		doc["user_input"] = decodeLoose(in.UserInput)
	}
	return doc
}

// evaluateRules validates the upstream document against rules, a JSON
// Schema.
func evaluateRules(rules map[string]any, in ActionInput) (RuleVerdict, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(rules), gojsonschema.NewGoLoader(rulesDocument(in)))
	if err != nil {
		return RuleVerdict{}, fmt.Errorf("evaluate action rules: %w", err)
	}
	verdict := RuleVerdict{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		verdict.Violations = append(verdict.Violations, desc.String())
	}
	return verdict, nil
}

func (v RuleVerdict) String() string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
