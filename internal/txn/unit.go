// Package txn provides the unit of work that makes multi-step lending
// operations all-or-nothing. Every mutation registers its inverse with the
// active Unit; a failed operation replays the inverses newest-first.
package txn

import "fmt"

// Unit collects undo actions and committed effects (journals, records) for
// one top-level command. Not thread-safe: a Unit belongs to the goroutine
// holding the engine lock.
type Unit struct {
	undo    []func()
	effects []any
	done    bool
}

// Savepoint marks a position inside a Unit that can be rolled back to
// without discarding earlier work.
type Savepoint struct {
	undo    int
	effects int
}

func Begin() *Unit {
	return &Unit{}
}

// OnRollback registers the inverse of a mutation that has just been applied.
func (u *Unit) OnRollback(fn func()) {
	u.mustBeOpen()
	u.undo = append(u.undo, fn)
}

// Record appends an effect that is published only if the unit commits.
func (u *Unit) Record(effect any) {
	u.mustBeOpen()
	u.effects = append(u.effects, effect)
}

// Effects returns the effects recorded so far.
func (u *Unit) Effects() []any {
	return u.effects
}

func (u *Unit) Savepoint() Savepoint {
	u.mustBeOpen()
	return Savepoint{undo: len(u.undo), effects: len(u.effects)}
}

// RollbackTo undoes every mutation registered after sp.
func (u *Unit) RollbackTo(sp Savepoint) {
	u.mustBeOpen()
	if sp.undo > len(u.undo) || sp.effects > len(u.effects) {
		panic(fmt.Sprintf("txn: savepoint %+v beyond unit state (undo=%d effects=%d)",
			sp, len(u.undo), len(u.effects)))
	}
	for i := len(u.undo) - 1; i >= sp.undo; i-- {
		u.undo[i]()
	}
	u.undo = u.undo[:sp.undo]
	u.effects = u.effects[:sp.effects]
}

// Rollback undoes everything and closes the unit.
func (u *Unit) Rollback() {
	if u.done {
		return
	}
	u.RollbackTo(Savepoint{})
	u.done = true
}

// Commit closes the unit and returns its effects in recording order.
func (u *Unit) Commit() []any {
	u.mustBeOpen()
	u.done = true
	u.undo = nil
	return u.effects
}

func (u *Unit) Done() bool {
	return u.done
}

func (u *Unit) mustBeOpen() {
	if u.done {
		panic("txn: unit already finished")
	}
}

// Run executes fn inside a fresh unit. The unit commits when fn returns nil
// and rolls back on error or panic.
func Run(fn func(u *Unit) error) (effects []any, err error) {
	u := Begin()
	defer func() {
		if r := recover(); r != nil {
			u.Rollback()
			panic(r)
		}
	}()

	if err := fn(u); err != nil {
		u.Rollback()
		return nil, err
	}
	return u.Commit(), nil
}

// Scoped runs fn and rolls back only fn's mutations if it fails, leaving the
// rest of the unit intact.
func Scoped(u *Unit, fn func() error) error {
	sp := u.Savepoint()
	if err := fn(); err != nil {
		u.RollbackTo(sp)
		return err
	}
	return nil
}
