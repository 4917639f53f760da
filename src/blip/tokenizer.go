package blip

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"

	"github.com/bbernhard/caption-playground/src/captioner"
)

// Tokenizer decodes BLIP output ids with the model's tokenizer.json.
type Tokenizer struct {
	tk *tokenizers.Tokenizer
}

func LoadTokenizer(modelDir string) (*Tokenizer, error) {
	path := filepath.Join(modelDir, "tokenizer.json")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: tokenizer not found at %s: %v", captioner.ErrModelUnavailable, path, err)
	}
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: loading tokenizer: %v", captioner.ErrModelUnavailable, err)
	}
	return &Tokenizer{tk: tk}, nil
}

func (t *Tokenizer) Decode(ids []int32, skipSpecialTokens bool) string {
	uids := make([]uint32, len(ids))
	for i, id := range ids {
		uids[i] = uint32(id)
	}
	return t.tk.Decode(uids, skipSpecialTokens)
}

func (t *Tokenizer) Close() error {
	if t.tk != nil {
		t.tk.Close()
		t.tk = nil
	}
	return nil
}
