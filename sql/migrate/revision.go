// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate

import (
	"context"
	"errors"
	"time"
)

// ExecutionState of a revision row in the ledger.
type ExecutionState string

const (
	// StateOngoing marks a batch whose execution has started but
	// not yet finished. Written before the first statement runs.
	StateOngoing ExecutionState = "ongoing"

	// StateOk marks a batch whose statements were all applied.
	StateOk ExecutionState = "ok"

	// StateError marks a batch whose execution failed. On
	// transactional drivers its changes were rolled back.
	StateError ExecutionState = "error"
)

// A Revision is one row of the migration ledger. It denotes a single
// executed batch file.
type Revision struct {
	Version         string         `json:"version"`
	Description     string         `json:"description"`
	ExecutionState  ExecutionState `json:"execution_state"`
	ExecutedAt      time.Time      `json:"executed_at"`
	ExecutionTime   time.Duration  `json:"execution_time"`
	Error           string         `json:"error,omitempty"`
	Applied         int            `json:"applied"`
	Total           int            `json:"total"`
	Hash            string         `json:"hash"`
	OperatorVersion string         `json:"operator_version"`
}

// ErrRevisionNotExist is returned by a RevisionReadWriter when the
// requested revision is not present in the ledger.
var ErrRevisionNotExist = errors.New("sql/migrate: revision does not exist")

// RevisionReadWriter reads and writes the migration ledger. The
// Executor does not know how revisions are stored; sql/revision
// provides a database-backed implementation.
type RevisionReadWriter interface {
	// Ident returns the identity the ledger is stored under,
	// e.g. a qualified table name.
	Ident() string

	// ReadRevisions returns all revisions ordered by version.
	ReadRevisions(ctx context.Context) ([]*Revision, error)

	// ReadRevision returns a revision by version.
	// ErrRevisionNotExist is returned if it does not exist.
	ReadRevision(ctx context.Context, version string) (*Revision, error)

	// WriteRevision saves the revision, updating an existing row
	// with the same version.
	WriteRevision(ctx context.Context, r *Revision) error

	// DeleteRevision removes a revision by version.
	DeleteRevision(ctx context.Context, version string) error
}

// NopRevisionReadWriter is a RevisionReadWriter that does nothing.
// It is used to replay or plan batches without a ledger at hand.
type NopRevisionReadWriter struct{}

var _ RevisionReadWriter = (*NopRevisionReadWriter)(nil)

func (NopRevisionReadWriter) Ident() string { return "" }

func (NopRevisionReadWriter) ReadRevisions(context.Context) ([]*Revision, error) {
	return nil, nil
}

func (NopRevisionReadWriter) ReadRevision(context.Context, string) (*Revision, error) {
	return nil, ErrRevisionNotExist
}

func (NopRevisionReadWriter) WriteRevision(context.Context, *Revision) error {
	return nil
}

func (NopRevisionReadWriter) DeleteRevision(context.Context, string) error {
	return nil
}
