// Package txn implements the transaction manager state machine of spec
// §4.4.4: Idle -> Active -> (Committing | Aborting) -> Idle, with
// savepoints and the single-writer concurrency rule.
package txn

import (
	"sync"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/epierr"
	"github.com/epiloglite/epiloglite/internal/journal"
	"github.com/epiloglite/epiloglite/internal/pager"
	"github.com/epiloglite/epiloglite/logger"
)

// State is one node of the spec §4.4.4 state machine.
type State int

const (
	Idle State = iota
	Active
	Committing
	Aborting
)

// UndoStep is one BEFORE image recorded against a live transaction, kept in
// memory so ROLLBACK / ROLLBACK TO can reapply it without re-reading the
// journal (the journal itself is append-only and is never edited in place).
type UndoStep struct {
	Entry journal.Entry
}

// Txn is one transaction handle (spec §6.1's TxnHandle).
type Txn struct {
	ID    uint64
	state State

	undo       []UndoStep
	savepoints map[string]int // name -> index into undo at the time it was taken
}

// State returns the transaction's current state.
func (t *Txn) State() State { return t.state }

// Manager owns the single writer slot (spec §4.4.4's concurrency rule: the
// engine is a single writer; multiple concurrent readers need no txn slot
// at all).
type Manager struct {
	mu sync.Mutex

	j *journal.Journal
	p *pager.Pager

	nextTxnID uint64
	active    *Txn
}

// New creates a Manager driving journal j and pager p.
func New(j *journal.Journal, p *pager.Pager) *Manager {
	return &Manager{j: j, p: p, nextTxnID: 1}
}

// Begin allocates a txn_id, appends BeginTxn, and transitions Idle->Active.
// Fails with InvalidOperation if a transaction is already active (single
// writer).
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, errors.Annotatef(epierr.ErrInvalidOperation, "transaction %d already active", m.active.ID)
	}
	id := m.nextTxnID
	m.nextTxnID++
	if err := m.j.Append(journal.Entry{Kind: journal.KindBeginTxn, TxnID: id}); err != nil {
		return nil, errors.Trace(err)
	}
	t := &Txn{ID: id, state: Active, savepoints: make(map[string]int)}
	m.active = t
	logger.Debugf("txn: begin %d", id)
	return t, nil
}

// RecordBefore appends e (a BEFORE-image entry) to the journal and to t's
// in-memory undo ledger in the same call, keeping the two consistent.
func (m *Manager) RecordBefore(t *Txn, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActiveLocked(t); err != nil {
		return err
	}
	if err := m.j.Append(e); err != nil {
		return errors.Trace(err)
	}
	t.undo = append(t.undo, UndoStep{Entry: e})
	return nil
}

// Commit appends CommitTxn and flushes the pager — the durability point of
// spec §4.4.3 step 8. On flush failure the transaction falls back to
// Active so the caller may retry the commit or abort.
func (m *Manager) Commit(t *Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActiveLocked(t); err != nil {
		return err
	}
	t.state = Committing
	if err := m.j.Append(journal.Entry{Kind: journal.KindCommitTxn, TxnID: t.ID}); err != nil {
		t.state = Active
		return errors.Trace(err)
	}
	if err := m.p.Flush(); err != nil {
		t.state = Active
		return errors.Annotate(epierr.ErrIoDurability, err.Error())
	}
	t.state = Idle
	m.active = nil
	logger.Debugf("txn: commit %d", t.ID)
	return nil
}

// Rollback appends RollbackTxn, flushes the pager, and returns the UndoSteps
// the caller (internal/engine) must reapply in reverse order as fresh COW
// writes; the caller finalizes the abort with a second flush once those
// writes are made.
func (m *Manager) Rollback(t *Txn) ([]UndoStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActiveLocked(t); err != nil {
		return nil, err
	}
	t.state = Aborting
	if err := m.j.Append(journal.Entry{Kind: journal.KindRollbackTxn, TxnID: t.ID}); err != nil {
		t.state = Active
		return nil, errors.Trace(err)
	}
	steps := reversed(t.undo)
	if err := m.p.Flush(); err != nil {
		t.state = Active
		return nil, errors.Annotate(epierr.ErrIoDurability, err.Error())
	}
	t.state = Idle
	t.undo = nil
	m.active = nil
	logger.Debugf("txn: rollback %d", t.ID)
	return steps, nil
}

// Savepoint records a named marker at t's current undo position.
func (m *Manager) Savepoint(t *Txn, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActiveLocked(t); err != nil {
		return err
	}
	if err := m.j.Append(journal.Entry{Kind: journal.KindSavepoint, TxnID: t.ID, Name: name}); err != nil {
		return errors.Trace(err)
	}
	t.savepoints[name] = len(t.undo)
	return nil
}

// Release forgets a savepoint without undoing anything.
func (m *Manager) Release(t *Txn, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActiveLocked(t); err != nil {
		return err
	}
	if _, ok := t.savepoints[name]; !ok {
		return errors.Annotatef(epierr.ErrInvalidOperation, "no such savepoint %q", name)
	}
	if err := m.j.Append(journal.Entry{Kind: journal.KindReleaseSavepoint, TxnID: t.ID, Name: name}); err != nil {
		return errors.Trace(err)
	}
	delete(t.savepoints, name)
	return nil
}

// RollbackTo returns the UndoSteps appended since name, in reverse order
// for the caller to reapply, and truncates t's ledger back to that mark.
func (m *Manager) RollbackTo(t *Txn, name string) ([]UndoStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActiveLocked(t); err != nil {
		return nil, err
	}
	mark, ok := t.savepoints[name]
	if !ok {
		return nil, errors.Annotatef(epierr.ErrInvalidOperation, "no such savepoint %q", name)
	}
	if err := m.j.Append(journal.Entry{Kind: journal.KindRollbackToSavepoint, TxnID: t.ID, Name: name}); err != nil {
		return nil, errors.Trace(err)
	}
	steps := reversed(t.undo[mark:])
	t.undo = t.undo[:mark]
	return steps, nil
}

func (m *Manager) requireActiveLocked(t *Txn) error {
	if t == nil || m.active != t || t.state != Active {
		return errors.Trace(epierr.ErrInvalidOperation)
	}
	return nil
}

func reversed(steps []UndoStep) []UndoStep {
	out := make([]UndoStep, len(steps))
	for i, s := range steps {
		out[len(steps)-1-i] = s
	}
	return out
}
