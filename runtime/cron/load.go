package cron

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

type scheduleFile struct {
	Schedules []Schedule `yaml:"schedules"`
}

// Load reads schedules from a YAML document of the form
// `schedules: [{name, cron, task_id, task_query}]`.
func Load(path string) ([]Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules: %w", err)
	}
	var doc scheduleFile
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("decode schedules: %w", err)
	}
	return doc.Schedules, nil
}
