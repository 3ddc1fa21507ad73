package ld

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader"
)

type Kind int

const (
	FormatError Kind = iota + 1
	MapError
	OutOfSlots
	DependencyError
	UndefinedSymbol
	RelocationTypeError
	CycleError
)

var kindNames = map[Kind]string{
	FormatError:         "format error",
	MapError:            "map error",
	OutOfSlots:          "out of slots",
	DependencyError:     "dependency error",
	UndefinedSymbol:     "undefined symbol",
	RelocationTypeError: "relocation error",
	CycleError:          "dependency cycle",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// LoadError is the failure of one load attempt.
type LoadError struct {
	Kind Kind
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Name, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *LoadError) Cause() error  { return e.Err }
func (e *LoadError) Unwrap() error { return e.Err }

func loadErr(kind Kind, name string, err error) error {
	return errors.WithStack(&LoadError{Kind: kind, Name: name, Err: err})
}

func loadErrf(kind Kind, name, format string, a ...interface{}) error {
	return loadErr(kind, name, errors.Errorf(format, a...))
}

// IsKind reports whether any LoadError in err's cause chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if le, ok := err.(*LoadError); ok && le.Kind == kind {
			return true
		}
		switch e := err.(type) {
		case interface{ Cause() error }:
			err = e.Cause()
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return false
		}
	}
	return false
}

// classify turns image reader errors into LoadErrors.
func classify(name string, err error) error {
	if err == nil {
		return nil
	}
	var le *LoadError
	if errors.As(err, &le) {
		return err
	}
	var me *loader.MapError
	if errors.As(err, &me) {
		return loadErr(MapError, name, err)
	}
	return loadErr(FormatError, name, err)
}
