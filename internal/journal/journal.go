// Package journal keeps a local record of upgrade runs and the steps they went through.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canonical/lxd/lxd/db/query"
	"github.com/canonical/lxd/lxd/db/schema"
	"github.com/canonical/lxd/shared/logger"
	"github.com/google/uuid"
	"github.com/juju/clock"

	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/canonical/rsupgrade/internal/upgrade"
	"github.com/canonical/rsupgrade/types"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Event kinds.
const (
	EventPlan        = "plan"
	EventStepDown    = "step_down"
	EventSwap        = "swap"
	EventFeatureTier = "feature_tier"
	EventFinish      = "finish"
)

// ErrRunNotFound is returned when no run matches the given identifier.
var ErrRunNotFound = errors.New("Upgrade run not found")

// Run is an upgrade run.
type Run struct {
	UUID          string     `json:"uuid" yaml:"uuid"`
	EntryHost     string     `json:"entry_host" yaml:"entry_host"`
	TargetVersion string     `json:"target_version" yaml:"target_version"`
	Status        string     `json:"status" yaml:"status"`
	Error         string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Event is a step recorded during a run.
type Event struct {
	Kind      string    `json:"kind" yaml:"kind"`
	Member    string    `json:"member,omitempty" yaml:"member,omitempty"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Journal is a sqlite database of upgrade runs.
type Journal struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens the journal at path, creating or updating its schema as needed. A nil clock defaults to the wall
// clock.
func Open(path string, clk clock.Clock) (*Journal, error) {
	if clk == nil {
		clk = clock.WallClock
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("Failed to open journal %q: %w", path, err)
	}

	_, err = schema.New(updates).Ensure(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Failed to update journal schema: %w", err)
	}

	return &Journal{db: db, clock: clk}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) now() time.Time {
	return j.clock.Now().UTC().Truncate(time.Second)
}

// StartRun records the start of a run and returns it.
func (j *Journal) StartRun(ctx context.Context, entryHost string, targetVersion string) (*Run, error) {
	run := &Run{
		UUID:          uuid.New().String(),
		EntryHost:     entryHost,
		TargetVersion: targetVersion,
		Status:        StatusRunning,
		StartedAt:     j.now(),
	}

	err := query.Transaction(ctx, j.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO runs (uuid, entry_host, target_version, status, started_at) VALUES (?, ?, ?, ?, ?)",
			run.UUID, run.EntryHost, run.TargetVersion, run.Status, run.StartedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to record run: %w", err)
	}

	return run, nil
}

// Record adds an event to the run.
func (j *Journal) Record(ctx context.Context, runUUID string, kind string, member string, detail string) error {
	return query.Transaction(ctx, j.db, func(ctx context.Context, tx *sql.Tx) error {
		id, err := runID(ctx, tx, runUUID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "INSERT INTO events (run_id, kind, member, detail, created_at) VALUES (?, ?, ?, ?, ?)",
			id, kind, member, detail, j.now())
		if err != nil {
			return fmt.Errorf("Failed to record %q event: %w", kind, err)
		}

		return nil
	})
}

// FinishRun marks the run as succeeded, or failed with runErr.
func (j *Journal) FinishRun(ctx context.Context, runUUID string, runErr error) error {
	status := StatusSucceeded
	errMsg := ""
	if runErr != nil {
		status = StatusFailed
		errMsg = runErr.Error()
	}

	return query.Transaction(ctx, j.db, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "UPDATE runs SET status=?, error=?, finished_at=? WHERE uuid=?", status, errMsg, j.now(), runUUID)
		if err != nil {
			return fmt.Errorf("Failed to finish run %q: %w", runUUID, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if n != 1 {
			return fmt.Errorf("%w: %q", ErrRunNotFound, runUUID)
		}

		return nil
	})
}

const runColumns = "uuid, entry_host, target_version, status, error, started_at, finished_at"

func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var finishedAt sql.NullTime
	err := scan(&run.UUID, &run.EntryHost, &run.TargetVersion, &run.Status, &run.Error, &run.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	return run, nil
}

// Runs returns every run, most recent first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	runs := []Run{}
	err := query.Transaction(ctx, j.db, func(ctx context.Context, tx *sql.Tx) error {
		return query.Scan(ctx, tx, fmt.Sprintf("SELECT %s FROM runs ORDER BY id DESC", runColumns), func(scan func(dest ...any) error) error {
			run, err := scanRun(scan)
			if err != nil {
				return err
			}

			runs = append(runs, *run)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to list runs: %w", err)
	}

	return runs, nil
}

// Run returns the run whose UUID starts with prefix.
func (j *Journal) Run(ctx context.Context, prefix string) (*Run, error) {
	var runs []Run
	err := query.Transaction(ctx, j.db, func(ctx context.Context, tx *sql.Tx) error {
		stmt := fmt.Sprintf("SELECT %s FROM runs WHERE uuid LIKE ? ORDER BY id DESC", runColumns)
		return query.Scan(ctx, tx, stmt, func(scan func(dest ...any) error) error {
			run, err := scanRun(scan)
			if err != nil {
				return err
			}

			runs = append(runs, *run)
			return nil
		}, strings.ReplaceAll(prefix, "%", "")+"%")
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to get run %q: %w", prefix, err)
	}

	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, prefix)
	}

	if len(runs) > 1 {
		return nil, fmt.Errorf("Run prefix %q matches %d runs", prefix, len(runs))
	}

	return &runs[0], nil
}

// Events returns the events of a run in the order they were recorded.
func (j *Journal) Events(ctx context.Context, runUUID string) ([]Event, error) {
	events := []Event{}
	err := query.Transaction(ctx, j.db, func(ctx context.Context, tx *sql.Tx) error {
		id, err := runID(ctx, tx, runUUID)
		if err != nil {
			return err
		}

		return query.Scan(ctx, tx, "SELECT kind, member, detail, created_at FROM events WHERE run_id=? ORDER BY id", func(scan func(dest ...any) error) error {
			var event Event
			err := scan(&event.Kind, &event.Member, &event.Detail, &event.CreatedAt)
			if err != nil {
				return err
			}

			events = append(events, event)
			return nil
		}, id)
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}

func runID(ctx context.Context, tx *sql.Tx, runUUID string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM runs WHERE uuid=?", runUUID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", ErrRunNotFound, runUUID)
	} else if err != nil {
		return 0, err
	}

	return id, nil
}

// Hooks returns upgrade hooks recording every step of the run into the journal.
func (j *Journal) Hooks(runUUID string) *upgrade.Hooks {
	return &upgrade.Hooks{
		OnPlan: func(ctx context.Context, plan upgrade.Plan) error {
			names := make([]string, 0, len(plan.Members))
			for _, m := range plan.Members {
				names = append(names, m.Name)
			}

			detail := fmt.Sprintf("tier %s, members %s", plan.FeatureTier, strings.Join(names, ", "))
			return j.Record(ctx, runUUID, EventPlan, "", detail)
		},
		OnStepDown: func(ctx context.Context, member string) error {
			return j.Record(ctx, runUUID, EventStepDown, member, "")
		},
		OnSwap: func(ctx context.Context, member string, unit types.ExecutionUnit) error {
			return j.Record(ctx, runUUID, EventSwap, member, fmt.Sprintf("%s (%s) %s", unit.Name, unit.ID, unit.Image))
		},
		OnFeatureTier: func(ctx context.Context, member string, tier string) error {
			return j.Record(ctx, runUUID, EventFeatureTier, member, tier)
		},
		OnFinish: func(ctx context.Context, runErr error) error {
			detail := StatusSucceeded
			if runErr != nil {
				detail = runErr.Error()
			}

			err := j.Record(ctx, runUUID, EventFinish, "", detail)
			if err != nil {
				logger.Warn("Failed to record run end", logger.Ctx{"run": runUUID, "error": err})
			}

			return j.FinishRun(ctx, runUUID, runErr)
		},
	}
}
