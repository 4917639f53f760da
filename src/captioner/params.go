package captioner

import (
	"fmt"

	"github.com/bbernhard/caption-playground/src/datastructures"
)

const (
	DefaultMinTokens = 20
	DefaultMaxTokens = 100
	DefaultTokens    = 50

	DefaultMinBeams = 1
	DefaultMaxBeams = 10
	DefaultBeams    = 5
)

// Params are the per-request decoding parameters.
type Params struct {
	MaxTokens int
	BeamWidth int
}

func (p Params) Validate() error {
	if p.MaxTokens < 1 {
		return fmt.Errorf("%w: max tokens must be at least 1, got %d", ErrInvalidParams, p.MaxTokens)
	}
	if p.BeamWidth < 1 {
		return fmt.Errorf("%w: beam width must be at least 1, got %d", ErrInvalidParams, p.BeamWidth)
	}
	return nil
}

func (p Params) Wire() datastructures.CaptionParams {
	return datastructures.CaptionParams{MaxTokens: p.MaxTokens, BeamWidth: p.BeamWidth}
}

func ParamsFromWire(p datastructures.CaptionParams) Params {
	return Params{MaxTokens: p.MaxTokens, BeamWidth: p.BeamWidth}
}

// Limits bound the parameters a client may ask for.
type Limits struct {
	MinTokens     int `yaml:"min_tokens"`
	MaxTokens     int `yaml:"max_tokens"`
	DefaultTokens int `yaml:"default_tokens"`
	MinBeams      int `yaml:"min_beams"`
	MaxBeams      int `yaml:"max_beams"`
	DefaultBeams  int `yaml:"default_beams"`
}

func DefaultLimits() Limits {
	return Limits{
		MinTokens:     DefaultMinTokens,
		MaxTokens:     DefaultMaxTokens,
		DefaultTokens: DefaultTokens,
		MinBeams:      DefaultMinBeams,
		MaxBeams:      DefaultMaxBeams,
		DefaultBeams:  DefaultBeams,
	}
}

// Check validates p and then that it lies within the limits.
func (l Limits) Check(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.MaxTokens < l.MinTokens || p.MaxTokens > l.MaxTokens {
		return fmt.Errorf("%w: max tokens must be within [%d,%d], got %d", ErrInvalidParams, l.MinTokens, l.MaxTokens, p.MaxTokens)
	}
	if p.BeamWidth < l.MinBeams || p.BeamWidth > l.MaxBeams {
		return fmt.Errorf("%w: beam width must be within [%d,%d], got %d", ErrInvalidParams, l.MinBeams, l.MaxBeams, p.BeamWidth)
	}
	return nil
}

func (l Limits) Defaults() Params {
	return Params{MaxTokens: l.DefaultTokens, BeamWidth: l.DefaultBeams}
}

func (l Limits) Wire() datastructures.CaptionLimits {
	return datastructures.CaptionLimits{
		MaxTokens: datastructures.Range{Min: l.MinTokens, Max: l.MaxTokens, Default: l.DefaultTokens},
		BeamWidth: datastructures.Range{Min: l.MinBeams, Max: l.MaxBeams, Default: l.DefaultBeams},
	}
}

// DecodingOptions are the anti-repetition knobs applied to every request.
// They are meant to be used together.
type DecodingOptions struct {
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	NoRepeatNgramSize int     `yaml:"no_repeat_ngram_size"`
	EarlyStopping     bool    `yaml:"early_stopping"`
	LengthPenalty     float64 `yaml:"length_penalty"`
}

func DefaultDecodingOptions() DecodingOptions {
	return DecodingOptions{
		RepetitionPenalty: 1.5,
		NoRepeatNgramSize: 2,
		EarlyStopping:     true,
		LengthPenalty:     1.0,
	}
}
