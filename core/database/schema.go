// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

// Delta represents a single schema change, an SQL statement along with
// any arguments required to execute it.
type Delta struct {
	stmt string
	args []any
}

// MakeDelta returns a Delta for the given statement and arguments.
func MakeDelta(stmt string, args ...any) Delta {
	return Delta{
		stmt: stmt,
		args: args,
	}
}

// Stmt returns the delta's SQL statement.
func (d Delta) Stmt() string {
	return d.stmt
}

// Args returns the delta's statement arguments.
func (d Delta) Args() []any {
	return d.args
}
