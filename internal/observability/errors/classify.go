// Package errors maps errors onto low-cardinality class names for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/target/jobcoord/internal/domain/breaker"
	"github.com/target/jobcoord/internal/domain/postguard"
	apperrors "github.com/target/jobcoord/internal/errors"
)

// Classify returns a normalized class for err. Known sentinels and application
// error codes win; anything else falls back to the innermost concrete type name.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	case goerrors.Is(err, breaker.ErrOpen):
		return "breaker_open"
	case postguard.IsBlocked(err):
		return "posting_blocked"
	}
	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}
	return typeName(err)
}

func typeName(err error) string {
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

	name := strings.ToLower(t.String())
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
