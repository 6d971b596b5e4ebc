// Package check provides reflective validation of configuration trees.
package check

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Validatable is implemented by anything that has fields that should be
// validated.
type Validatable interface {
	Validate() []error
}

type validationError struct {
	errs []error
}

func (v validationError) Error() string {
	errStrings := make([]string, 0, len(v.errs))
	for _, err := range v.errs {
		errStrings = append(errStrings, err.Error())
	}
	sort.Strings(errStrings)
	joined := strings.Join(errStrings, "\n\t")
	return fmt.Sprintf("check failed! %d errors found:\n\t%s", len(v.errs), joined)
}

// Validate walks the given value recursively and collects the errors of every
// Validatable it encounters. A nil return means the whole tree validated.
func Validate(v interface{}) error {
	errs := validate(reflect.ValueOf(v), "root")
	if len(errs) == 0 {
		return nil
	}
	return validationError{errs: errs}
}

func validate(v reflect.Value, path string) []error {
	var errs []error
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		errs = append(errs, validate(v.Elem(), path)...)
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			errs = append(errs, validate(v.Index(i), fmt.Sprintf("%s[%d]", path, i))...)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			errs = append(errs, validate(v.MapIndex(key),
				fmt.Sprintf("%s[%v]", path, key.Interface()))...)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			errs = append(errs, validate(v.Field(i),
				fmt.Sprintf("%s.%s", path, v.Type().Field(i).Name))...)
		}
	}

	if !v.CanInterface() {
		return errs
	}
	if validatable, ok := v.Interface().(Validatable); ok {
		for _, err := range validatable.Validate() {
			if err == nil {
				continue
			}
			errs = append(errs, errors.Wrap(err, path))
		}
	}
	return errs
}

// TrueF returns an error with the given message unless the condition holds.
func TrueF(condition bool, msgAndArgs ...interface{}) error {
	if condition {
		return nil
	}
	return errors.New(format("expected true", msgAndArgs))
}

// GreaterThanOrEqualTo returns an error unless actual >= expected.
func GreaterThanOrEqualTo(actual, expected int, msgAndArgs ...interface{}) error {
	if actual >= expected {
		return nil
	}
	return errors.New(format(
		fmt.Sprintf("%d is not greater than or equal to %d", actual, expected), msgAndArgs))
}

// NotEmpty returns an error unless the string is non-empty.
func NotEmpty(actual string, msgAndArgs ...interface{}) error {
	if len(actual) > 0 {
		return nil
	}
	return errors.New(format("expected non-empty string", msgAndArgs))
}

func format(fallback string, msgAndArgs []interface{}) string {
	if len(msgAndArgs) == 0 {
		return fallback
	}
	msg, ok := msgAndArgs[0].(string)
	if !ok {
		return fallback
	}
	return fmt.Sprintf("%s: %s", fmt.Sprintf(msg, msgAndArgs[1:]...), fallback)
}
