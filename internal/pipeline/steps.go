// Package pipeline maps job types onto the external analytics and orchestration services and
// invokes them over HTTP.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aquifer-io/aquifer/internal/jobs"
)

// Target services.
const (
	ServiceAnalytics    = "analytics"
	ServiceOrchestrator = "orchestrator"
)

var (
	// ErrIncompleteMapping indicates a step mapping that leaves a job type without a step.
	ErrIncompleteMapping = errors.New("step mapping must cover every job type")

	// ErrInvalidStep indicates a step with an unknown service, method or path.
	ErrInvalidStep = errors.New("invalid pipeline step")
)

type (
	// Step is the external call that executes one job type.
	Step struct {
		Service  string `yaml:"service"`
		Method   string `yaml:"method"`
		Path     string `yaml:"path"`
		SendDate bool   `yaml:"send_date"`
	}

	// Mapping assigns exactly one Step to every job type.
	Mapping map[jobs.Type]Step

	stepsFile struct {
		Steps map[string]Step `yaml:"steps"`
	}
)

// DefaultMapping returns the built-in job type → step mapping.
func DefaultMapping() Mapping {
	return Mapping{
		jobs.TypeDailySummary: {Service: ServiceAnalytics, Method: http.MethodPost, Path: "/jobs/daily-summary", SendDate: true},
		jobs.TypeTraining:     {Service: ServiceAnalytics, Method: http.MethodPost, Path: "/jobs/train"},
		jobs.TypeForecast:     {Service: ServiceAnalytics, Method: http.MethodPost, Path: "/jobs/forecast"},
		jobs.TypeFullPipeline: {Service: ServiceOrchestrator, Method: http.MethodPost, Path: "/pipeline/trigger"},
	}
}

// Validate checks that the mapping is total and every step is well-formed.
func (m Mapping) Validate() error {
	for _, typ := range jobs.Types() {
		step, ok := m[typ]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrIncompleteMapping, typ)
		}

		if err := step.validate(); err != nil {
			return fmt.Errorf("%s: %w", typ, err)
		}
	}

	for typ := range m {
		if !typ.IsValid() {
			return fmt.Errorf("%w: unknown job type %q", ErrInvalidStep, typ)
		}
	}

	return nil
}

func (s Step) validate() error {
	if s.Service != ServiceAnalytics && s.Service != ServiceOrchestrator {
		return fmt.Errorf("%w: service %q must be %s or %s", ErrInvalidStep, s.Service, ServiceAnalytics, ServiceOrchestrator)
	}

	switch s.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return fmt.Errorf("%w: method %q", ErrInvalidStep, s.Method)
	}

	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalidStep, s.Path)
	}

	return nil
}

// LoadMapping reads a YAML step mapping and validates it. Steps missing from the file keep
// their defaults; an empty method defaults to POST.
//
// Example:
//
//	steps:
//	  training:
//	    service: analytics
//	    path: /jobs/train-v2
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied configuration path
	if err != nil {
		return nil, fmt.Errorf("read step mapping: %w", err)
	}

	return parseMapping(data)
}

func parseMapping(data []byte) (Mapping, error) {
	var file stepsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse step mapping: %w", err)
	}

	mapping := DefaultMapping()

	for name, step := range file.Steps {
		typ := jobs.Type(name)
		if !typ.IsValid() {
			return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidStep, name)
		}

		if step.Method == "" {
			step.Method = http.MethodPost
		}

		step.Method = strings.ToUpper(step.Method)
		mapping[typ] = step
	}

	if err := mapping.Validate(); err != nil {
		return nil, err
	}

	return mapping, nil
}
