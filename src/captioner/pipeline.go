package captioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/bbernhard/caption-playground/src/datastructures"
)

// ModelRepo names the pretrained captioning model.
const ModelRepo = "Salesforce/blip-image-captioning-base"

// Model is a loaded vision encoder/text decoder pair.
type Model interface {
	// Encode runs the vision encoder and returns a decoder bound to the image.
	Encode(ctx context.Context, pixels Pixels) (Decoder, error)
	Close() error
}

type Tokenizer interface {
	Decode(ids []int32, skipSpecialTokens bool) string
	Close() error
}

// SpecialTokens are the decoder ids generation starts and stops on.
type SpecialTokens struct {
	BOS int32
	EOS int32
	Pad int32
}

// Captioner is what the API and the worker need from a caption backend.
type Captioner interface {
	Caption(ctx context.Context, img image.Image, params Params) (string, error)
	ModelInfo() datastructures.ModelInfo
}

// Pipeline holds everything needed to caption an image. It is read-only
// once built and safe to share between goroutines.
type Pipeline struct {
	Preprocessor *Preprocessor
	Model        Model
	Tokenizer    Tokenizer
	Tokens       SpecialTokens
	Decoding     DecodingOptions
	Info         datastructures.ModelInfo
}

func (p *Pipeline) ModelInfo() datastructures.ModelInfo {
	return p.Info
}

// Caption generates a finished caption for img.
func (p *Pipeline) Caption(ctx context.Context, img image.Image, params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	pixels, err := p.Preprocessor.Process(img)
	if err != nil {
		return "", err
	}

	decoder, err := p.Model.Encode(ctx, pixels)
	if err != nil {
		if errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrInferenceFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: encoding image: %v", ErrInferenceFailed, err)
	}

	tokens, err := BeamSearch(ctx, decoder, SearchOptions{
		MaxNewTokens:    params.MaxTokens,
		NumBeams:        params.BeamWidth,
		DecodingOptions: p.Decoding,
		StartTokens:     []int32{p.Tokens.BOS},
		EOSTokenID:      p.Tokens.EOS,
	})
	if err != nil {
		return "", err
	}

	raw := p.Tokenizer.Decode(tokens, true)
	log.Debug("[Captioning] Raw model output: ", raw)
	return Finalize(raw)
}

// Close releases the model and the tokenizer.
func (p *Pipeline) Close() error {
	var errs []error
	if p.Model != nil {
		errs = append(errs, p.Model.Close())
	}
	if p.Tokenizer != nil {
		errs = append(errs, p.Tokenizer.Close())
	}
	return errors.Join(errs...)
}

// GenerateCaption rejects bad parameters before touching the model, then
// captions img with the provider's pipeline.
func GenerateCaption(ctx context.Context, provider *Provider, img image.Image, maxTokens int, beamWidth int) (string, error) {
	params := Params{MaxTokens: maxTokens, BeamWidth: beamWidth}
	if err := params.Validate(); err != nil {
		return "", err
	}
	pipeline, err := provider.Get()
	if err != nil {
		return "", err
	}
	return pipeline.Caption(ctx, img, params)
}

// LoadModelInfo reads model_info.json from modelDir. A missing file yields
// the model repo name only.
func LoadModelInfo(modelDir string) (datastructures.ModelInfo, error) {
	info := datastructures.ModelInfo{Name: ModelRepo}
	data, err := os.ReadFile(filepath.Join(modelDir, "model_info.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, fmt.Errorf("%w: reading model info: %v", ErrModelUnavailable, err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("%w: parsing model info: %v", ErrModelUnavailable, err)
	}
	if info.Name == "" {
		info.Name = ModelRepo
	}
	return info, nil
}
