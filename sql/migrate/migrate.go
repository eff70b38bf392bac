// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stratadb/strata/sql/schema"

	"github.com/google/uuid"
)

type (
	// A Plan defines a planned changeset that its execution brings the
	// database to the new desired state. Additional information is
	// calculated by the different drivers to indicate if the changeset
	// is transactional (can be rolled back) and reversible (compensating
	// statements can be generated for it).
	Plan struct {
		// Version and Name of the plan. Provided by the caller or
		// derived from the batch file.
		Version string
		Name    string

		// Reversible describes if the changeset is reversible.
		Reversible bool

		// Transactional describes if the changeset is transactional.
		Transactional bool

		// Changes defines the list of changeset in the plan.
		Changes []*Change
	}

	// A Change of migration.
	Change struct {
		// Cmd or statement to execute.
		Cmd string

		// Args for placeholder parameters in the statement above.
		Args []any

		// A Comment describes the change.
		Comment string

		// Reverse contains the "reversed statement" if
		// the command is reversible.
		Reverse string

		// The Source that caused this change, or nil.
		Source schema.Change
	}
)

type (
	// The Driver interface must be implemented by the different dialects
	// to support database migration planning and applying. ExecQuerier
	// and Inspector provide the primitives for executing statements and
	// inspecting the database for idempotency decisions. PlanApplier
	// wraps the methods for turning a changeset into dialect DDL.
	Driver interface {
		schema.ExecQuerier
		schema.Inspector
		PlanApplier
	}

	// PlanApplier wraps the methods for planning and applying changes
	// on the database.
	PlanApplier interface {
		// PlanChanges returns a migration plan for applying the given changeset.
		PlanChanges(ctx context.Context, name string, changes []schema.Change, opts ...PlanOption) (*Plan, error)

		// ApplyChanges is responsible for applying the given changeset.
		// An error may return from ApplyChanges if the driver is unable
		// to execute a change.
		ApplyChanges(ctx context.Context, changes []schema.Change, opts ...PlanOption) error
	}

	// PlanOptions holds the plan options to be used by PlanApplier.
	PlanOptions struct {
		// StartState holds the schema state the changes are planned
		// against. Nil means an empty database.
		StartState *schema.Schema

		// Cascade indicates remove operations should also drop
		// dependent objects.
		Cascade bool
	}

	// PlanOption allows configuring a plan using functional arguments.
	PlanOption func(*PlanOptions)

	// A TxDriver is a Driver bound to an open transaction.
	TxDriver interface {
		Driver
		Commit() error
		Rollback() error
	}

	// TxOpener is implemented by drivers that support wrapping
	// a batch execution in a transaction.
	TxOpener interface {
		Tx(ctx context.Context) (TxDriver, error)
	}
)

// PlanWithState sets the schema state the plan is computed against.
func PlanWithState(s *schema.Schema) PlanOption {
	return func(o *PlanOptions) { o.StartState = s }
}

// PlanWithCascade indicates remove operations should drop dependent objects.
func PlanWithCascade(cascade bool) PlanOption {
	return func(o *PlanOptions) { o.Cascade = cascade }
}

// NewPlanOptions applies the given options and returns the result.
func NewPlanOptions(opts ...PlanOption) *PlanOptions {
	o := &PlanOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FileDecoder decodes a batch file into the schema changes it declares.
type FileDecoder interface {
	DecodeFile(File) ([]schema.Change, error)
}

// ErrNoPendingFiles is returned if there are no pending migration files
// to execute on the managed database.
var ErrNoPendingFiles = errors.New("sql/migrate: execute: nothing to do")

type (
	// Executor is responsible for applying batch files on the database.
	// A batch is executed at most once: the executor consults the
	// revision history before running, and records every attempt in it.
	Executor struct {
		drv        Driver             // The Driver to access and manage the database.
		dir        Dir                // The Dir with migration files to use.
		rrw        RevisionReadWriter // The RevisionReadWriter to read and write database revisions to.
		dec        FileDecoder        // The FileDecoder to parse batch files with.
		log        Logger             // The Logger to use.
		runID      string             // Unique identifier of this execution.
		operator   string             // Operator version recorded in the revisions.
		baseline   *schema.Schema     // Schema state assumed before the first batch.
		state      *schema.Schema     // Schema cursor, advanced as batches are planned.
		cascade    bool               // Drop dependent objects on remove operations.
		allowDirty bool               // Take over unfinished revisions.
	}

	// ExecutorOption allows configuring an Executor using functional arguments.
	ExecutorOption func(*Executor) error
)

// NewExecutor creates a new Executor with default values.
func NewExecutor(drv Driver, dir Dir, rrw RevisionReadWriter, opts ...ExecutorOption) (*Executor, error) {
	if drv == nil {
		return nil, errors.New("sql/migrate: execute: no driver given")
	}
	if dir == nil {
		return nil, errors.New("sql/migrate: execute: no dir given")
	}
	if rrw == nil {
		return nil, errors.New("sql/migrate: execute: no revision storage given")
	}
	ex := &Executor{
		drv:   drv,
		dir:   dir,
		rrw:   rrw,
		log:   NopLogger{},
		runID: uuid.New().String(),
	}
	for _, opt := range opts {
		if err := opt(ex); err != nil {
			return nil, err
		}
	}
	if ex.dec == nil {
		return nil, errors.New("sql/migrate: execute: no file decoder given")
	}
	return ex, nil
}

// WithFileDecoder sets the decoder used to parse batch files.
func WithFileDecoder(dec FileDecoder) ExecutorOption {
	return func(ex *Executor) error {
		ex.dec = dec
		return nil
	}
}

// WithLogger sets the Logger of an Executor.
func WithLogger(log Logger) ExecutorOption {
	return func(ex *Executor) error {
		ex.log = log
		return nil
	}
}

// WithOperatorVersion sets the operator version recorded
// in the revisions the Executor writes.
func WithOperatorVersion(v string) ExecutorOption {
	return func(ex *Executor) error {
		ex.operator = v
		return nil
	}
}

// WithBaseline sets the schema state assumed to exist on the database
// before the first batch file. Nil means an empty database.
func WithBaseline(s *schema.Schema) ExecutorOption {
	return func(ex *Executor) error {
		ex.baseline = s
		return nil
	}
}

// WithCascade permits remove operations to drop dependent
// objects instead of failing validation.
func WithCascade(cascade bool) ExecutorOption {
	return func(ex *Executor) error {
		ex.cascade = cascade
		return nil
	}
}

// WithAllowDirty permits taking over revisions left in an
// unfinished state by a prior interrupted run.
func WithAllowDirty(allow bool) ExecutorOption {
	return func(ex *Executor) error {
		ex.allowDirty = allow
		return nil
	}
}

// RunID returns the unique identifier of this execution.
func (e *Executor) RunID() string { return e.runID }

// Pending returns all batch files that are not yet recorded as applied
// in the revision history, ordered by version. Files recorded with an
// error state are considered pending again, since their execution was
// rolled back.
func (e *Executor) Pending(ctx context.Context) ([]File, error) {
	if err := Validate(e.dir); err != nil {
		return nil, fmt.Errorf("sql/migrate: validating migration directory: %w", err)
	}
	files, err := e.dir.Files()
	if err != nil {
		return nil, fmt.Errorf("sql/migrate: reading migration directory: %w", err)
	}
	var pending []File
	for _, f := range files {
		rev, err := e.rrw.ReadRevision(ctx, f.Version())
		switch {
		case errors.Is(err, ErrRevisionNotExist):
			pending = append(pending, f)
		case err != nil:
			return nil, fmt.Errorf("sql/migrate: reading revision %q: %w", f.Version(), err)
		case rev.ExecutionState == StateOk:
			if rev.Hash != FileHash(f.Bytes()) {
				return nil, &HistoryChecksumError{Version: f.Version(), File: f.Name()}
			}
		case rev.ExecutionState == StateOngoing:
			if !e.allowDirty {
				return nil, &NotCleanError{
					Version: f.Version(),
					Reason:  fmt.Sprintf("version %q is in an unfinished state", f.Version()),
				}
			}
			pending = append(pending, f)
		default:
			// Prior attempt failed and was rolled back. Retry.
			pending = append(pending, f)
		}
	}
	return pending, nil
}

// Plan decodes, orders and validates the given batch file and returns
// the plan computed for it by the driver. Calling Plan advances the
// executor's in-memory schema state to the state after the batch,
// allowing consecutive files to be planned without applying them.
func (e *Executor) Plan(ctx context.Context, f File) (*Plan, error) {
	changes, err := e.dec.DecodeFile(f)
	if err != nil {
		return nil, fmt.Errorf("sql/migrate: decoding file %q: %w", f.Name(), err)
	}
	ordered, err := Resolve(changes)
	if err != nil {
		return nil, err
	}
	state, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	v := &Validator{State: state, Cascade: e.cascade}
	post, err := v.Validate(ordered)
	if err != nil {
		return nil, err
	}
	plan, err := e.drv.PlanChanges(ctx, f.Desc(), ordered, PlanWithState(state), PlanWithCascade(e.cascade))
	if err != nil {
		return nil, fmt.Errorf("sql/migrate: planning version %q: %w", f.Version(), err)
	}
	plan.Version = f.Version()
	if plan.Name == "" {
		plan.Name = f.Desc()
	}
	e.state = post
	return plan, nil
}

// Execute executes the given batch file on the database. Committed
// batches are detected by their revision and refused with an
// AlreadyAppliedError. Any failure rolls the whole batch back and is
// recorded in the revision history.
func (e *Executor) Execute(ctx context.Context, f File) error {
	version, hash := f.Version(), FileHash(f.Bytes())
	switch rev, err := e.rrw.ReadRevision(ctx, version); {
	case errors.Is(err, ErrRevisionNotExist):
	case err != nil:
		return fmt.Errorf("sql/migrate: reading revision %q: %w", version, err)
	case rev.ExecutionState == StateOk:
		if rev.Hash != hash {
			return &HistoryChecksumError{Version: version, File: f.Name()}
		}
		return &AlreadyAppliedError{Version: version, Hash: hash}
	case rev.ExecutionState == StateOngoing && !e.allowDirty:
		return &NotCleanError{
			Version: version,
			Reason:  fmt.Sprintf("version %q is in an unfinished state", version),
		}
	}
	plan, err := e.Plan(ctx, f)
	if err != nil {
		return err
	}
	e.log.Log(LogFile{Version: version, Desc: f.Desc()})
	rev := &Revision{
		Version:         version,
		Description:     f.Desc(),
		ExecutionState:  StateOngoing,
		ExecutedAt:      time.Now(),
		Hash:            hash,
		Total:           len(plan.Changes),
		OperatorVersion: e.operator,
	}
	// The revision is written outside the batch transaction so an
	// interrupted run leaves a visible trace.
	if err := e.rrw.WriteRevision(ctx, rev); err != nil {
		return fmt.Errorf("sql/migrate: writing %q revision: %w", version, err)
	}
	start := time.Now()
	applied, err := e.apply(ctx, plan)
	rev.Applied = applied
	rev.ExecutionTime = time.Since(start)
	if err != nil {
		// The batch was rolled back. Reset the schema cursor so a
		// following run replays it from the revision history.
		e.state = nil
		rev.ExecutionState = StateError
		rev.Error = err.Error()
		if werr := e.rrw.WriteRevision(ctx, rev); werr != nil {
			e.log.Log(LogError{Error: fmt.Errorf("sql/migrate: writing %q revision: %w", version, werr)})
		}
		e.log.Log(LogError{Error: err})
		return err
	}
	rev.ExecutionState = StateOk
	if err := e.rrw.WriteRevision(ctx, rev); err != nil {
		return fmt.Errorf("sql/migrate: writing %q revision: %w", version, err)
	}
	return nil
}

// ExecuteN executes n pending batch files. If n <= 0 all pending files
// are executed. ErrNoPendingFiles is returned if there are none.
func (e *Executor) ExecuteN(ctx context.Context, n int) error {
	pending, err := e.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return ErrNoPendingFiles
	}
	if n > 0 && n < len(pending) {
		pending = pending[:n]
	}
	names := make([]string, len(pending))
	for i := range pending {
		names[i] = pending[i].Name()
	}
	e.log.Log(LogExecution{RunID: e.runID, Files: names})
	for _, f := range pending {
		if err := e.Execute(ctx, f); err != nil {
			return err
		}
	}
	e.log.Log(LogDone{})
	return nil
}

// apply runs the plan statements, wrapped in a transaction when the
// plan is transactional, and returns the number of applied statements.
func (e *Executor) apply(ctx context.Context, plan *Plan) (int, error) {
	if !plan.Transactional {
		n, err := e.applyChanges(ctx, e.drv, plan)
		if err != nil && n > 0 {
			e.revert(ctx, plan.Changes[:n])
		}
		return n, err
	}
	opener, ok := e.drv.(TxOpener)
	if !ok {
		return 0, fmt.Errorf("sql/migrate: driver does not support transactions")
	}
	tx, err := opener.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("sql/migrate: opening transaction: %w", err)
	}
	n, err := e.applyChanges(ctx, tx, plan)
	if err != nil {
		e.log.Log(LogRollback{Version: plan.Version, Error: err})
		if rerr := tx.Rollback(); rerr != nil {
			err = fmt.Errorf("%v: rolling back: %v", err, rerr)
		}
		return n, err
	}
	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("sql/migrate: committing version %q: %w", plan.Version, err)
	}
	return n, nil
}

// applyChanges executes the plan statements one at a time on the given
// connection. Cancellation is observed between statements only, since
// DDL statements are treated as atomic units.
func (e *Executor) applyChanges(ctx context.Context, conn schema.ExecQuerier, plan *Plan) (int, error) {
	for i, c := range plan.Changes {
		if err := ctx.Err(); err != nil {
			return i, e.execErr(plan, i, err)
		}
		if _, err := conn.ExecContext(ctx, c.Cmd, c.Args...); err != nil {
			return i, e.execErr(plan, i, err)
		}
		e.log.Log(LogStmt{SQL: c.Cmd, Comment: c.Comment})
	}
	return len(plan.Changes), nil
}

// revert executes the reverse statements of the applied changes in
// reverse order. Used for non-transactional plans, where a failed
// batch cannot be rolled back by the database.
func (e *Executor) revert(ctx context.Context, applied []*Change) {
	for i := len(applied) - 1; i >= 0; i-- {
		r := applied[i].Reverse
		if r == "" {
			continue
		}
		if _, err := e.drv.ExecContext(ctx, r); err != nil {
			e.log.Log(LogError{Error: fmt.Errorf("sql/migrate: reverting %q: %w", r, err)})
			return
		}
		e.log.Log(LogStmt{SQL: r, Comment: "reverted"})
	}
}

func (e *Executor) execErr(plan *Plan, i int, err error) error {
	c := plan.Changes[i]
	ex := &ExecutionError{Version: plan.Version, Pos: i, Stmt: c.Cmd, Err: err}
	switch {
	case c.Source != nil:
		ex.Command = schema.Describe(c.Source)
	default:
		ex.Command = c.Comment
	}
	return ex
}

// snapshot returns the schema state before the next pending batch by
// replaying all batches recorded as applied in the revision history on
// top of the configured baseline.
func (e *Executor) snapshot(ctx context.Context) (*schema.Schema, error) {
	if e.state != nil {
		return e.state, nil
	}
	state := e.baseline.Clone()
	files, err := e.dir.Files()
	if err != nil {
		return nil, fmt.Errorf("sql/migrate: reading migration directory: %w", err)
	}
	for _, f := range files {
		rev, err := e.rrw.ReadRevision(ctx, f.Version())
		if errors.Is(err, ErrRevisionNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sql/migrate: reading revision %q: %w", f.Version(), err)
		}
		if rev.ExecutionState != StateOk {
			continue
		}
		changes, err := e.dec.DecodeFile(f)
		if err != nil {
			return nil, fmt.Errorf("sql/migrate: decoding applied file %q: %w", f.Name(), err)
		}
		ordered, err := Resolve(changes)
		if err != nil {
			return nil, fmt.Errorf("sql/migrate: replaying applied version %q: %w", f.Version(), err)
		}
		v := &Validator{State: state, Cascade: true}
		if state, err = v.Validate(ordered); err != nil {
			return nil, fmt.Errorf("sql/migrate: replaying applied version %q: %w", f.Version(), err)
		}
	}
	e.state = state
	return state, nil
}

type (
	// ExecutionError is returned when a statement of a planned batch
	// fails to apply. The batch it belongs to was fully rolled back.
	ExecutionError struct {
		Version string // version of the failed batch
		Pos     int    // position of the failed statement in the plan
		Command string // description of the source command
		Stmt    string // the failing statement
		Err     error  // the database-reported cause
	}

	// AlreadyAppliedError is returned when re-executing a batch that
	// was committed before. It signals a no-op, not a failure.
	AlreadyAppliedError struct {
		Version string
		Hash    string
	}

	// HistoryChecksumError is returned when a batch file differs from
	// the content recorded for it in the revision history.
	HistoryChecksumError struct {
		Version string
		File    string
	}

	// NotCleanError is returned when the revision history holds an
	// unfinished revision and the executor was not configured to take
	// over it.
	NotCleanError struct {
		Version string
		Reason  string
	}
)

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sql/migrate: executing statement %d (%s) of version %q: %v", e.Pos+1, e.Command, e.Version, e.Err)
}

// Unwrap returns the database-reported cause.
func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *AlreadyAppliedError) Error() string {
	return fmt.Sprintf("sql/migrate: version %q already applied", e.Version)
}

func (e *HistoryChecksumError) Error() string {
	return fmt.Sprintf("sql/migrate: file %q was modified after version %q was applied", e.File, e.Version)
}

func (e *NotCleanError) Error() string {
	return "sql/migrate: migration history is not clean: " + e.Reason
}

type (
	// A Logger logs migration execution.
	Logger interface {
		Log(LogEntry)
	}

	// LogEntry marks the entry types below.
	LogEntry interface {
		logEntry()
	}

	// LogExecution is sent once when the execution of
	// one or more batch files starts.
	LogExecution struct {
		RunID string
		Files []string
	}

	// LogFile is sent when a batch file starts executing.
	LogFile struct {
		Version string
		Desc    string
	}

	// LogStmt is sent when a statement was applied.
	LogStmt struct {
		SQL     string
		Comment string
	}

	// LogRollback is sent before a failed batch is rolled back.
	LogRollback struct {
		Version string
		Error   error
	}

	// LogDone is sent if the execution is done.
	LogDone struct{}

	// LogError is sent if there is an error while execution.
	LogError struct {
		Error error
	}
)

func (LogExecution) logEntry() {}
func (LogFile) logEntry()      {}
func (LogStmt) logEntry()      {}
func (LogRollback) logEntry()  {}
func (LogDone) logEntry()      {}
func (LogError) logEntry()     {}

// NopLogger is a Logger that does nothing.
type NopLogger struct{}

// Log implements the Logger interface.
func (NopLogger) Log(LogEntry) {}

type (
	// An ApplyReport summarizes one execution run. It implements the
	// Logger interface and can be combined with another Logger to
	// collect the outcome of an execution while it is printed.
	ApplyReport struct {
		RunID string        `json:"RunID,omitempty"`
		Start time.Time     `json:"Start"`
		End   time.Time     `json:"End"`
		Files []*FileReport `json:"Files,omitempty"`
		Error string        `json:"Error,omitempty"`
	}

	// A FileReport summarizes the execution of one batch file.
	FileReport struct {
		Version string        `json:"Version"`
		Desc    string        `json:"Desc,omitempty"`
		Stmts   []*StmtReport `json:"Stmts,omitempty"`
		Error   string        `json:"Error,omitempty"`
	}

	// A StmtReport records one applied statement.
	StmtReport struct {
		Stmt    string    `json:"Stmt"`
		Comment string    `json:"Comment,omitempty"`
		At      time.Time `json:"At"`
	}
)

// NewApplyReport returns an empty report ready to collect log entries.
func NewApplyReport() *ApplyReport {
	return &ApplyReport{Start: time.Now()}
}

// Log implements the Logger interface.
func (r *ApplyReport) Log(e LogEntry) {
	switch e := e.(type) {
	case LogExecution:
		r.RunID = e.RunID
	case LogFile:
		r.Files = append(r.Files, &FileReport{Version: e.Version, Desc: e.Desc})
	case LogStmt:
		if n := len(r.Files); n > 0 {
			f := r.Files[n-1]
			f.Stmts = append(f.Stmts, &StmtReport{Stmt: e.SQL, Comment: e.Comment, At: time.Now()})
		}
	case LogError:
		r.Error = e.Error.Error()
		if n := len(r.Files); n > 0 {
			r.Files[n-1].Error = e.Error.Error()
		}
	case LogDone:
		r.End = time.Now()
	}
}

// Loggers combines multiple loggers into one.
type Loggers []Logger

// Log implements the Logger interface.
func (ls Loggers) Log(e LogEntry) {
	for _, l := range ls {
		l.Log(e)
	}
}
