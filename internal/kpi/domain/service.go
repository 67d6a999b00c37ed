package domain

import (
	"context"
	"errors"
)

// Engine computes every KPI over a scope.
type Engine interface {
	Name() string
	Compute(ctx context.Context, scope Scope) (*Results, error)
}

var (
	ErrUnknownKPI = errors.New("unknown_kpi")
	ErrEmptyScope = errors.New("empty_kpi_scope")
	// ErrStaleScope means a partition in the scope was superseded after the
	// scope was taken.
	ErrStaleScope = errors.New("kpi_scope_stale")
)
