package training

import (
	"errors"

	"github.com/tsawler/go-denoise/tensor"
)

var (
	// ErrShapeMismatch reports a malformed batch or a tensor that does not
	// fit the network. It is the same value as tensor.ErrShapeMismatch.
	ErrShapeMismatch = tensor.ErrShapeMismatch
	// ErrInvalidState is returned for an operation the orchestrator's
	// current state does not allow.
	ErrInvalidState = errors.New("invalid orchestrator state")
	// ErrNoModel is returned when an operation needs a model that is not loaded.
	ErrNoModel = errors.New("no model loaded")
)
