package datastructures

type ModelInfo struct {
	Name    string `json:"name"`
	Build   int32  `json:"build"`
	Created string `json:"created"`
	BasedOn string `json:"based_on"`
}

type CaptionParams struct {
	MaxTokens int `json:"max_tokens"`
	BeamWidth int `json:"beam_width"`
}

type CaptionJob struct {
	Uuid     string        `json:"uuid"`
	Filename string        `json:"filename"`
	Created  int64         `json:"created"`
	Params   CaptionParams `json:"params"`
}

type CaptionJobResult struct {
	Uuid      string        `json:"uuid"`
	Caption   string        `json:"caption,omitempty"`
	Error     string        `json:"error,omitempty"`
	Params    CaptionParams `json:"params"`
	ModelInfo ModelInfo     `json:"model_info"`
	Finished  int64         `json:"finished"`
}

type CaptionMeResult struct {
	Caption   string        `json:"caption"`
	Params    CaptionParams `json:"params"`
	ModelInfo ModelInfo     `json:"model_info"`
}

type Range struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Default int `json:"default"`
}

type CaptionLimits struct {
	MaxTokens Range `json:"max_tokens"`
	BeamWidth Range `json:"beam_width"`
}
