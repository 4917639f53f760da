package captioner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultBOSTokenID = 30522
	defaultSEPTokenID = 102
	defaultPadTokenID = 0
)

type textConfig struct {
	BOSTokenID *int32 `json:"bos_token_id"`
	SEPTokenID *int32 `json:"sep_token_id"`
	PadTokenID *int32 `json:"pad_token_id"`
}

type modelConfig struct {
	TextConfig textConfig `json:"text_config"`
}

// LoadSpecialTokens reads the decoder start and stop ids from config.json.
// Generation starts on bos and stops on sep.
func LoadSpecialTokens(modelDir string) (SpecialTokens, error) {
	tokens := SpecialTokens{
		BOS: defaultBOSTokenID,
		EOS: defaultSEPTokenID,
		Pad: defaultPadTokenID,
	}

	data, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return tokens, nil
		}
		return tokens, fmt.Errorf("%w: reading config.json: %v", ErrModelUnavailable, err)
	}

	var cfg modelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return tokens, fmt.Errorf("%w: parsing config.json: %v", ErrModelUnavailable, err)
	}
	if v := cfg.TextConfig.BOSTokenID; v != nil {
		tokens.BOS = *v
	}
	if v := cfg.TextConfig.SEPTokenID; v != nil {
		tokens.EOS = *v
	}
	if v := cfg.TextConfig.PadTokenID; v != nil {
		tokens.Pad = *v
	}
	return tokens, nil
}
