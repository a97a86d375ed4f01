package journal

import (
	"context"
	"database/sql"

	"github.com/canonical/lxd/lxd/db/schema"
)

// updates are applied in order to bring the journal database to the latest schema.
var updates = []schema.Update{
	updateFromV0,
}

// updateFromV0 creates the runs and events tables.
func updateFromV0(ctx context.Context, tx *sql.Tx) error {
	stmt := `
CREATE TABLE runs (
  id              INTEGER   PRIMARY  KEY    AUTOINCREMENT  NOT  NULL,
  uuid            TEXT      NOT      NULL,
  entry_host      TEXT      NOT      NULL,
  target_version  TEXT      NOT      NULL,
  status          TEXT      NOT      NULL,
  error           TEXT      NOT      NULL  DEFAULT '',
  started_at      DATETIME  NOT      NULL,
  finished_at     DATETIME,
  UNIQUE          (uuid)
);

CREATE TABLE events (
  id          INTEGER   PRIMARY  KEY    AUTOINCREMENT  NOT  NULL,
  run_id      INTEGER   NOT      NULL,
  kind        TEXT      NOT      NULL,
  member      TEXT      NOT      NULL  DEFAULT '',
  detail      TEXT      NOT      NULL  DEFAULT '',
  created_at  DATETIME  NOT      NULL,
  FOREIGN KEY (run_id) REFERENCES runs (id) ON DELETE CASCADE
);

CREATE INDEX events_run_id_idx ON events (run_id);
`

	_, err := tx.ExecContext(ctx, stmt)

	return err
}
