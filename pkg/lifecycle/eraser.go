package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// EraseStep is the outcome of one delete in an erase run
type EraseStep struct {
	Name string
	Rows int64
	Err  error
}

// EraseReport lists every step of an erase run in execution order
type EraseReport struct {
	UserID string
	Steps  []EraseStep
}

// Deleted returns the total number of removed rows
func (r *EraseReport) Deleted() int64 {
	var total int64
	for _, s := range r.Steps {
		total += s.Rows
	}
	return total
}

// Err joins the errors of all failed steps
func (r *EraseReport) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Eraser hard-deletes content owned by a user
type Eraser struct {
	store   ContentStore
	logger  Logger
	metrics Metrics
}

// NewEraser creates an Eraser. Nil logger and metrics are replaced by no-ops.
func NewEraser(store ContentStore, logger Logger, metrics Metrics) *Eraser {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Eraser{store: store, logger: logger, metrics: metrics}
}

// Erase removes the user's journal entries, owned households with everything
// scoped to them, and the user's children. A failed step does not stop the
// following ones; running Erase again on an erased user deletes nothing.
func (e *Eraser) Erase(ctx context.Context, userID string) (*EraseReport, error) {
	report := &EraseReport{UserID: userID}

	e.run(report, "journal_entries.user", func() (int64, error) {
		return e.store.DeleteJournalEntriesByUser(ctx, userID)
	})

	owned, err := e.store.OwnedHouseholds(ctx, userID)
	if err != nil {
		report.Steps = append(report.Steps, EraseStep{Name: "households.lookup", Err: err})
		e.logger.Error("erase: owned household lookup failed",
			Field{"user_id", userID}, Field{"error", err.Error()})
	}

	if len(owned) > 0 {
		children, err := e.store.ChildrenOfHouseholds(ctx, owned)
		if err != nil {
			report.Steps = append(report.Steps, EraseStep{Name: "children.lookup", Err: err})
			e.logger.Error("erase: child lookup failed",
				Field{"user_id", userID}, Field{"error", err.Error()})
		}
		if len(children) > 0 {
			e.run(report, "journal_entries.child", func() (int64, error) {
				return e.store.DeleteJournalEntriesByChildren(ctx, children)
			})
		}
	}

	e.run(report, "children.user", func() (int64, error) {
		return e.store.DeleteChildrenByUser(ctx, userID)
	})

	if len(owned) > 0 {
		e.run(report, "children.household", func() (int64, error) {
			return e.store.DeleteChildrenByHouseholds(ctx, owned)
		})
		for _, table := range []HouseholdTable{
			TableHouseholdInvites,
			TableHouseholdSettings,
			TableHouseholdMembers,
			TableHouseholds,
		} {
			e.run(report, string(table), func() (int64, error) {
				return e.store.DeleteHouseholdRows(ctx, table, owned)
			})
		}
	}

	return report, report.Err()
}

func (e *Eraser) run(report *EraseReport, name string, fn func() (int64, error)) {
	rows, err := fn()
	report.Steps = append(report.Steps, EraseStep{Name: name, Rows: rows, Err: err})
	if err != nil {
		e.logger.Error("erase step failed",
			Field{"user_id", report.UserID}, Field{"step", name}, Field{"error", err.Error()})
		return
	}
	e.metrics.RecordRowsErased(name, rows)
	e.logger.Debug("erase step",
		Field{"user_id", report.UserID}, Field{"step", name}, Field{"rows", rows})
}
