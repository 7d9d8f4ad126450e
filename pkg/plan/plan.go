// Package plan reads calibration run plans from YAML.
//
//	label: chamber-25
//	modeling: [35, 40, 45]
//	verification: [37.5]
//	environment: [25, 25, 30]
//	tasks:
//	  - channel: COM3
//	    position: 1
package plan

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ircal/ircal/pkg/calibration"
)

var (
	ErrNoPoints         = errors.New("plan has no temperature points")
	ErrNoTasks          = errors.New("plan has no sensor tasks")
	ErrDuplicateChannel = errors.New("channel listed more than once")
	ErrInvalidPosition  = errors.New("position must be at least 1")
	ErrInvalidValue     = errors.New("temperature must be finite")
)

// Plan describes one calibration run.
type Plan struct {
	Label        string                   `json:"label" yaml:"label"`
	Modeling     []float64                `json:"modeling" yaml:"modeling"`
	Verification []float64                `json:"verification" yaml:"verification"`
	Tasks        []calibration.SensorTask `json:"tasks" yaml:"tasks"`

	// Environment holds the chamber target of each point, in point order.
	// Missing entries default to calibration.DefaultEnvironmentTarget.
	Environment []float64 `json:"environment,omitempty" yaml:"environment,omitempty"`
}

func Load(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plan %s", path)
	}
	p, err := Parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid plan %s", path)
	}
	return p, nil
}

func Parse(b []byte) (*Plan, error) {
	p := &Plan{}
	if err := yaml.Unmarshal(b, p); err != nil {
		return nil, errors.Wrap(err, "failed to parse plan")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plan) Validate() error {
	if len(p.Modeling)+len(p.Verification) == 0 {
		return ErrNoPoints
	}
	for _, v := range append(append(append([]float64{}, p.Modeling...), p.Verification...), p.Environment...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidValue
		}
	}
	if len(p.Tasks) == 0 {
		return ErrNoTasks
	}
	seen := map[string]bool{}
	for _, t := range p.Tasks {
		if t.Position < 1 {
			return errors.Wrapf(ErrInvalidPosition, "channel %s", t.ChannelID)
		}
		if seen[t.ChannelID] {
			return errors.Wrap(ErrDuplicateChannel, t.ChannelID)
		}
		seen[t.ChannelID] = true
	}
	return nil
}

// Points returns modeling points followed by verification points, each with
// its environment target.
func (p *Plan) Points() []calibration.TemperaturePoint {
	points := make([]calibration.TemperaturePoint, 0, len(p.Modeling)+len(p.Verification))
	for _, v := range p.Modeling {
		points = append(points, calibration.TemperaturePoint{Target: v, Category: calibration.CategoryModeling})
	}
	for _, v := range p.Verification {
		points = append(points, calibration.TemperaturePoint{Target: v, Category: calibration.CategoryVerification})
	}
	for i := range points {
		points[i].EnvironmentTarget = calibration.DefaultEnvironmentTarget
		if i < len(p.Environment) {
			points[i].EnvironmentTarget = p.Environment[i]
		}
	}
	return points
}
