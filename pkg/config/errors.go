package config

import "fmt"

// LoadError wraps a configuration loading failure with file context.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError wraps err with the file that was being read.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
