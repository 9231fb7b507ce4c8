package etl

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures so the caller can decide how to react
type ErrorKind string

const (
	ErrKindUnknown      ErrorKind = "unknown"
	ErrKindConnectivity ErrorKind = "connectivity"
	ErrKindMalformed    ErrorKind = "malformed"
	ErrKindLoad         ErrorKind = "load"
	ErrKindConfig       ErrorKind = "config"
	ErrKindWatermark    ErrorKind = "watermark"
	ErrKindSource       ErrorKind = "source"
)

// KindError attaches an ErrorKind to an error
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with kind. A nil err stays nil.
func WithKind(err error, kind ErrorKind) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf returns the innermost known kind of err
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return ErrKindLoad
	}
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}
	return ErrKindUnknown
}

// LoadError reports a rejected upsert batch. From and To are inclusive record offsets.
type LoadError struct {
	Table string
	From  int
	To    int
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("upsert to %s failed on batch %d-%d: %v", e.Table, e.From, e.To, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// StepError reports which pipeline step, and which table if any, failed
type StepError struct {
	Step  State
	Table string
	Err   error
}

func (e *StepError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s failed for table %s: %v", e.Step, e.Table, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func tableErr(table string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Table: table, Err: err}
}
