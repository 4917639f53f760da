package captioner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bbernhard/caption-playground/src/datastructures"
)

type LoadFunc func() (*Pipeline, error)

// Provider loads the pipeline on first use and hands out the same instance
// afterwards. A failed load is remembered; it is never retried.
type Provider struct {
	load LoadFunc

	once     sync.Once
	pipeline *Pipeline
	err      error
}

func NewProvider(load LoadFunc) *Provider {
	return &Provider{load: load}
}

func (p *Provider) Get() (*Pipeline, error) {
	p.once.Do(func() {
		log.Debug("[Model Provider] Loading ", ModelRepo)
		pipeline, err := p.load()
		if err == nil && pipeline == nil {
			err = errors.New("loader returned no pipeline")
		}
		if err != nil {
			if !errors.Is(err, ErrModelUnavailable) {
				err = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			}
			log.Error("[Model Provider] Couldn't load model: ", err.Error())
			p.err = err
			return
		}
		p.pipeline = pipeline
		log.Debug("[Model Provider] Model loaded")
	})
	return p.pipeline, p.err
}

// Caption makes the provider usable wherever a Captioner is expected. The
// model is loaded by the first call.
func (p *Provider) Caption(ctx context.Context, img image.Image, params Params) (string, error) {
	return GenerateCaption(ctx, p, img, params.MaxTokens, params.BeamWidth)
}

func (p *Provider) ModelInfo() datastructures.ModelInfo {
	pipeline, err := p.Get()
	if err != nil {
		return datastructures.ModelInfo{Name: ModelRepo}
	}
	return pipeline.Info
}
