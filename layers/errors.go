package layers

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidGraph  = errors.New("invalid graph")
	ErrDuplicateName = errors.New("duplicate name")
	ErrForeignSymbol = errors.New("symbol belongs to another graph")
	ErrCycle         = errors.New("cycle detected")
	ErrShape         = errors.New("shape mismatch")
	ErrNotCompiled   = errors.New("model not compiled")
)

// GraphError reports a failure tied to one node of the graph.
type GraphError struct {
	Kind  error
	Layer string
	Msg   string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Layer == "" && e.Msg == "":
		return e.Kind.Error()
	case e.Layer == "":
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: layer %q", e.Kind.Error(), e.Layer)
	}
	return fmt.Sprintf("%s: layer %q: %s", e.Kind.Error(), e.Layer, e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(layer, format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Layer: layer, Msg: fmt.Sprintf(format, args...)}
}

func shapef(layer, format string, args ...any) error {
	return &GraphError{Kind: ErrShape, Layer: layer, Msg: fmt.Sprintf(format, args...)}
}
