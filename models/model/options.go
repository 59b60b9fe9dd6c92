// Package model - Detector options.
package model

import "github.com/pkg/errors"

// Options describes the shape and training mode of a deformable detector.
type Options struct {
	// Family selects the class count when NumClasses is zero.
	Family Family `json:"family" yaml:"family" koanf:"family"`
	// NumClasses overrides the family's class count.
	NumClasses int `json:"num_classes" yaml:"num_classes" koanf:"numclasses"`
	// NumQueries is the number of object queries per image.
	NumQueries int `json:"num_queries" yaml:"num_queries" koanf:"numqueries"`
	// NumFeatureLevels is the number of feature pyramid levels fed to the transformer.
	NumFeatureLevels int `json:"num_feature_levels" yaml:"num_feature_levels" koanf:"numfeaturelevels"`
	// DecLayers is the number of decoder layers.
	DecLayers int `json:"dec_layers" yaml:"dec_layers" koanf:"declayers"`
	// HiddenDim is the width of the transformer hidden state.
	HiddenDim int `json:"hidden_dim" yaml:"hidden_dim" koanf:"hiddendim"`
	// AuxLoss enables losses on every intermediate decoder layer.
	AuxLoss bool `json:"aux_loss" yaml:"aux_loss" koanf:"auxloss"`
	// WithBoxRefine gives every decoder layer its own head and refines boxes layer by layer.
	WithBoxRefine bool `json:"with_box_refine" yaml:"with_box_refine" koanf:"withboxrefine"`
	// TwoStage adds an encoder proposal head.
	TwoStage bool `json:"two_stage" yaml:"two_stage" koanf:"twostage"`
	// Masks adds the mask branch to the head and the segmentation losses to the criterion.
	Masks bool `json:"masks" yaml:"masks" koanf:"masks"`
}

// DefaultOptions returns the COCO training defaults.
func DefaultOptions() Options {
	return Options{
		Family:           FamilyCOCO,
		NumQueries:       300,
		NumFeatureLevels: 4,
		DecLayers:        6,
		HiddenDim:        256,
		AuxLoss:          true,
	}
}

// Classes resolves the class count.
func (o Options) Classes() (int, error) {
	if o.NumClasses > 0 {
		return o.NumClasses, nil
	}
	return o.Family.NumClasses()
}

// Validate checks that the options describe a buildable detector.
func (o Options) Validate() error {
	if _, err := o.Classes(); err != nil {
		return err
	}
	if o.NumQueries <= 0 {
		return errors.Errorf("num_queries must be positive, got %d", o.NumQueries)
	}
	if o.DecLayers <= 0 {
		return errors.Errorf("dec_layers must be positive, got %d", o.DecLayers)
	}
	if o.HiddenDim <= 0 {
		return errors.Errorf("hidden_dim must be positive, got %d", o.HiddenDim)
	}
	if o.NumFeatureLevels <= 0 {
		return errors.Errorf("num_feature_levels must be positive, got %d", o.NumFeatureLevels)
	}
	if o.TwoStage && !o.WithBoxRefine {
		return errors.New("two_stage requires with_box_refine")
	}
	return nil
}
