package job

import (
	"errors"
	"fmt"
	"strings"
)

// defaults used by the generation server when fields are omitted
const (
	DefaultVideoSize   = 720
	DefaultVideoLength = 129
	DefaultInferSteps  = 50
	DefaultCfgScale    = 6.0
)

// GenerateRequest is the body of POST /generate
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	VideoSize   int     `json:"video_size"`   // 540 or 720
	VideoLength int     `json:"video_length"` // frames, 1-129
	InferSteps  int     `json:"infer_steps"`  // 30-100
	Seed        *int    `json:"seed,omitempty"`
	CfgScale    float64 `json:"cfg_scale"`
	FlowReverse *bool   `json:"flow_reverse,omitempty"`
}

// WithDefaults returns a copy with zero fields set to server defaults
func (r GenerateRequest) WithDefaults() GenerateRequest {
	res := r
	res.Prompt = strings.TrimSpace(res.Prompt)
	if res.VideoSize == 0 {
		res.VideoSize = DefaultVideoSize
	}
	if res.VideoLength == 0 {
		res.VideoLength = DefaultVideoLength
	}
	if res.InferSteps == 0 {
		res.InferSteps = DefaultInferSteps
	}
	if res.CfgScale == 0 {
		res.CfgScale = DefaultCfgScale
	}
	if res.FlowReverse == nil {
		flowReverse := true
		res.FlowReverse = &flowReverse
	}
	return res
}

// Validate checks the request against the ranges accepted by the server
func (r GenerateRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Prompt) == "" {
		errs = append(errs, errors.New("prompt is required"))
	}
	if r.VideoSize != 540 && r.VideoSize != 720 {
		errs = append(errs, fmt.Errorf("video size must be 540 or 720, got %d", r.VideoSize))
	}
	if r.VideoLength < 1 || r.VideoLength > 129 {
		errs = append(errs, fmt.Errorf("video length must be in 1..129, got %d", r.VideoLength))
	}
	if r.InferSteps < 30 || r.InferSteps > 100 {
		errs = append(errs, fmt.Errorf("infer steps must be in 30..100, got %d", r.InferSteps))
	}
	if r.CfgScale <= 0 {
		errs = append(errs, fmt.Errorf("cfg scale must be positive, got %v", r.CfgScale))
	}
	return errors.Join(errs...)
}
