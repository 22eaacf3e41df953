package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-sspm/poam-import/internal/pipeline"
)

const (
	exitCodeFailure  = 1
	exitCodeUsage    = 2
	exitCodeBusy     = 3
	exitCodeCanceled = 130
)

type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// importExitError maps a pipeline failure onto the process exit code.
func importExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &exitError{code: exitCodeCanceled, err: err, silent: true}
	case errors.Is(err, pipeline.ErrScanInProgress):
		return &exitError{code: exitCodeBusy, err: err}
	default:
		return &exitError{code: exitCodeFailure, err: err}
	}
}

func usageError(format string, args ...any) error {
	return &exitError{code: exitCodeUsage, err: fmt.Errorf(format, args...)}
}
