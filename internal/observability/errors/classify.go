// Package errors classifies failures into low-cardinality labels for metrics and logs.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/target/jobexec/internal/errors"
)

// Error classes shared by handler failures and store errors.
const (
	ClassFatal    = "fatal"
	ClassPanic    = "panic"
	ClassTimeout  = "timeout"
	ClassCanceled = "canceled"
)

// fataler is implemented by errors that signal a programmer or configuration error that no
// retry can fix, such as an unknown handler type.
type fataler interface {
	Fatal() bool
}

// paniced is implemented by errors recovered from a handler panic.
type paniced interface {
	Panic() bool
}

// Classify returns a normalized error class suitable for tagging metrics and logs. Known
// markers win; otherwise the innermost concrete type name is used in snake_case-ish form.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var p paniced
	if goerrors.As(err, &p) && p.Panic() {
		return ClassPanic
	}
	var f fataler
	if goerrors.As(err, &f) && f.Fatal() {
		return ClassFatal
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case goerrors.Is(err, context.Canceled):
		return ClassCanceled
	}
	if code := apperrors.Code(err); code != "" && code != apperrors.ErrCodeInternal {
		return string(code)
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
