package dlchat

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoModel is returned by CheckpointController.Load when neither the model
// file nor its backup exists.
var ErrNoModel = errors.New("no saved model")

// IOError reports a failed read, write or rename of a corpus, vocabulary or
// model file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}
