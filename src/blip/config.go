package blip

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bbernhard/caption-playground/src/captioner"
)

type graphInfo struct {
	Graph *GraphNames `json:"graph"`
}

// LoadGraphNames reads the "graph" section of model_info.json.
func LoadGraphNames(modelDir string) (GraphNames, error) {
	names := DefaultGraphNames()
	data, err := os.ReadFile(filepath.Join(modelDir, "model_info.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return names, nil
		}
		return names, fmt.Errorf("%w: reading model info: %v", captioner.ErrModelUnavailable, err)
	}
	info := graphInfo{Graph: &names}
	if err := json.Unmarshal(data, &info); err != nil {
		return names, fmt.Errorf("%w: parsing model info: %v", captioner.ErrModelUnavailable, err)
	}
	return names, nil
}
