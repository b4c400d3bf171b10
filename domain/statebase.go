// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package domain holds the building blocks shared by the state layers:
// a base type giving each state access to its store's transaction runner
// and a cache of prepared statements.
package domain

import (
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/relaysys/relay/core/database"
)

// StateBase defines a base struct for requesting a database. States
// embed it for access to the store's transaction runner and for prepared
// statement caching.
type StateBase struct {
	getDB coredatabase.TxnRunnerFactory

	mu         sync.Mutex
	statements map[string]*sqlair.Statement
}

// NewStateBase returns a new StateBase over the input factory.
func NewStateBase(getDB coredatabase.TxnRunnerFactory) *StateBase {
	return &StateBase{
		getDB:      getDB,
		statements: make(map[string]*sqlair.Statement),
	}
}

// DB returns the transaction runner for this state's store.
// The factory is consulted on every call; a store recreated by discovery
// supplies its replacement runner through the same factory.
func (st *StateBase) DB() (coredatabase.TxnRunner, error) {
	if st.getDB == nil {
		return nil, errors.New("nil getDB")
	}
	db, err := st.getDB()
	return db, errors.Trace(err)
}

// Prepare prepares a sqlair statement from the input query and type
// samples, caching the result against the query text. Subsequent calls
// with the same query return the cached statement.
func (st *StateBase) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if stmt, ok := st.statements[query]; ok {
		return stmt, nil
	}

	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Annotate(err, "preparing:")
	}

	st.statements[query] = stmt
	return stmt, nil
}
