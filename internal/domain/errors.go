package domain

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrIOWrite    = errors.New("write failed")
	ErrIOCopy     = errors.New("copy failed")
	ErrInference  = errors.New("inference failed")
)

// Pipeline stages reported by Failure.
const (
	StageValidate  = "validate"
	StageIdentity  = "identity"
	StageReference = "reference"
	StageInference = "inference"
	StagePublish   = "publish"
)

// Failure records which pipeline stage failed, the error kind (one of the
// sentinels above) and the underlying cause.
type Failure struct {
	Stage string
	Kind  error
	Err   error
}

// NewFailure builds a Failure for the given stage.
func NewFailure(stage string, kind, err error) *Failure {
	return &Failure{Stage: stage, Kind: kind, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %v", f.Stage, f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() []error {
	return []error{f.Kind, f.Err}
}

// Cause renders the underlying error for end users. Path errors are reduced
// to their operation and errno so local file-system paths are not exposed.
func (f *Failure) Cause() string {
	if f == nil || f.Err == nil {
		return ""
	}
	var pathErr *fs.PathError
	if errors.As(f.Err, &pathErr) {
		return fmt.Sprintf("%s: %v", pathErr.Op, pathErr.Err)
	}
	return f.Err.Error()
}
