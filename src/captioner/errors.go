package captioner

import "errors"

var (
	// ErrModelUnavailable means the pretrained weights could not be fetched or loaded.
	// No caption can be produced in this process once it is returned.
	ErrModelUnavailable = errors.New("captioner: model unavailable")

	// ErrInvalidImage means the upload could not be decoded or converted to RGB.
	ErrInvalidImage = errors.New("captioner: invalid image")

	// ErrInferenceFailed means the model or the decoding loop failed.
	ErrInferenceFailed = errors.New("captioner: inference failed")

	// ErrInvalidParams means max tokens or beam width are out of range.
	ErrInvalidParams = errors.New("captioner: invalid parameters")
)
