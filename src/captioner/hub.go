package captioner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

const DefaultHubURL = "https://huggingface.co"

// DefaultHubFiles are the metadata files the loader reads next to the exported graph.
var DefaultHubFiles = []string{
	"config.json",
	"preprocessor_config.json",
	"tokenizer.json",
	"model_info.json",
}

// Fetcher downloads missing model files from a Hugging Face compatible hub.
type Fetcher struct {
	BaseURL  string
	Repo     string
	Revision string
	Files    []string
	Optional map[string]bool
	Token    string

	client *resty.Client
}

func NewFetcher(baseURL string, repo string, revision string) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultHubURL
	}
	if repo == "" {
		repo = ModelRepo
	}
	if revision == "" {
		revision = "main"
	}
	return &Fetcher{
		BaseURL:  baseURL,
		Repo:     repo,
		Revision: revision,
		Files:    DefaultHubFiles,
		Optional: map[string]bool{"model_info.json": true},
		client: resty.New().
			SetTimeout(5 * time.Minute).
			SetRetryCount(0),
	}
}

// Fetch downloads every file that is not yet present in modelDir.
func (f *Fetcher) Fetch(ctx context.Context, modelDir string) error {
	dir, err := filepath.Abs(modelDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: creating model dir: %v", ErrModelUnavailable, err)
	}

	for _, name := range f.Files {
		target := filepath.Join(dir, name)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := f.download(ctx, name, target); err != nil {
			if f.Optional[name] {
				log.Debug("[Model Fetcher] Skipping optional file ", name, ": ", err.Error())
				continue
			}
			return err
		}
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, name string, target string) error {
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", f.BaseURL, f.Repo, f.Revision, name)
	log.Debug("[Model Fetcher] Downloading ", url)

	part := target + ".part"
	req := f.client.R().SetContext(ctx).SetOutput(part)
	if f.Token != "" {
		req.SetAuthToken(f.Token)
	}
	resp, err := req.Get(url)
	if err != nil {
		os.Remove(part)
		return fmt.Errorf("%w: downloading %s: %v", ErrModelUnavailable, name, err)
	}
	if !resp.IsSuccess() {
		os.Remove(part)
		return fmt.Errorf("%w: downloading %s: status %d", ErrModelUnavailable, name, resp.StatusCode())
	}
	if err := os.Rename(part, target); err != nil {
		os.Remove(part)
		return fmt.Errorf("%w: storing %s: %v", ErrModelUnavailable, name, err)
	}
	return nil
}
