package inference

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"opclink/opc"
)

// Status tags every inference output.
type Status string

const (
	StatusSuccess           Status = "Success"
	StatusError             Status = "Error"
	StatusThresholdExceeded Status = "ThresholdExceeded"
)

// Metadata describes a deployed model version.
type Metadata struct {
	ModelName    string                  `yaml:"model_name" json:"model_name"`
	Version      string                  `yaml:"version" json:"version"`
	InputSchema  map[string]opc.DataType `yaml:"input_schema" json:"input_schema"`
	OutputSchema map[string]opc.DataType `yaml:"output_schema" json:"output_schema"`
	StoragePath  string                  `yaml:"storage_path,omitempty" json:"storage_path,omitempty"`
}

// Inputs returns the declared input names in sorted order.
func (m Metadata) Inputs() []string { return sortedKeys(m.InputSchema) }

// Outputs returns the declared output names in sorted order.
func (m Metadata) Outputs() []string { return sortedKeys(m.OutputSchema) }

// Threshold bounds one output; crossing either side marks the result
// ThresholdExceeded.
type Threshold struct {
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

func (t Threshold) exceeded(v float64) bool {
	return (t.Min != nil && v < *t.Min) || (t.Max != nil && v > *t.Max)
}

// LinearOutput is a weighted sum of inputs plus bias with an optional
// activation ("none", "sigmoid", "relu", "tanh").
type LinearOutput struct {
	Weights    map[string]float64 `yaml:"weights" json:"weights"`
	Bias       float64            `yaml:"bias,omitempty" json:"bias,omitempty"`
	Activation string             `yaml:"activation,omitempty" json:"activation,omitempty"`
}

// ZScoreFeature holds the training statistics of one input.
type ZScoreFeature struct {
	Mean   float64 `yaml:"mean" json:"mean"`
	StdDev float64 `yaml:"stddev" json:"stddev"`
}

// Artifact is the on-disk model document: metadata plus the parameters
// of the runtime that executes it.
type Artifact struct {
	Metadata   `yaml:",inline"`
	Runtime    string                   `yaml:"runtime" json:"runtime"`
	Linear     map[string]LinearOutput  `yaml:"linear,omitempty" json:"linear,omitempty"`
	ZScore     map[string]ZScoreFeature `yaml:"zscore,omitempty" json:"zscore,omitempty"`
	Thresholds map[string]Threshold     `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
}

// ParseArtifact decodes a YAML or JSON model document and checks that the
// metadata is complete.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	if a.ModelName == "" {
		return fmt.Errorf("model artifact: model_name is required")
	}
	if a.Version == "" {
		return fmt.Errorf("model %q: version is required", a.ModelName)
	}
	if len(a.InputSchema) == 0 {
		return fmt.Errorf("model %q: input_schema is empty", a.ModelName)
	}
	if len(a.OutputSchema) == 0 {
		return fmt.Errorf("model %q: output_schema is empty", a.ModelName)
	}
	for name, dt := range a.InputSchema {
		if !dt.Valid() {
			return fmt.Errorf("model %q: input %q has unknown type %q", a.ModelName, name, dt)
		}
	}
	for name := range a.Thresholds {
		if _, ok := a.OutputSchema[name]; !ok {
			return fmt.Errorf("model %q: threshold on undeclared output %q", a.ModelName, name)
		}
	}
	return nil
}

// Output is the result of one successful inference.
type Output struct {
	ModelName string             `json:"model_name"`
	Version   string             `json:"version"`
	Results   map[string]float64 `json:"results"`
	Status    Status             `json:"status"`
	Exceeded  []string           `json:"exceeded,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
