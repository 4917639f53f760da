package blip

import (
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/bbernhard/caption-playground/src/captioner"
)

type Options struct {
	ModelDir string
	Decoding captioner.DecodingOptions

	// Fetcher, when set, downloads missing metadata files before loading.
	Fetcher *captioner.Fetcher
}

// Loader returns a captioner.LoadFunc that builds the BLIP pipeline from
// ModelDir. The SavedModel is expected in ModelDir/saved_model.
func Loader(opts Options) captioner.LoadFunc {
	return func() (*captioner.Pipeline, error) {
		if opts.Fetcher != nil {
			if err := opts.Fetcher.Fetch(context.Background(), opts.ModelDir); err != nil {
				return nil, err
			}
		}

		info, err := captioner.LoadModelInfo(opts.ModelDir)
		if err != nil {
			return nil, err
		}
		preprocessor, err := captioner.LoadPreprocessor(opts.ModelDir)
		if err != nil {
			return nil, err
		}
		tokens, err := captioner.LoadSpecialTokens(opts.ModelDir)
		if err != nil {
			return nil, err
		}
		names, err := LoadGraphNames(opts.ModelDir)
		if err != nil {
			return nil, err
		}
		tokenizer, err := LoadTokenizer(opts.ModelDir)
		if err != nil {
			return nil, err
		}
		model, err := LoadTensorflowModel(filepath.Join(opts.ModelDir, "saved_model"), names)
		if err != nil {
			tokenizer.Close()
			return nil, err
		}

		log.Debug("[Main] Loaded ", info.Name, " build ", info.Build)
		return &captioner.Pipeline{
			Preprocessor: preprocessor,
			Model:        model,
			Tokenizer:    tokenizer,
			Tokens:       tokens,
			Decoding:     opts.Decoding,
			Info:         info,
		}, nil
	}
}
