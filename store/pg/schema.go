// Package pg implements the metadata store and the SQL global lock manager
// on Postgres via pgx.
package pg

import "context"

const ddlGlobalTable = `
CREATE TABLE IF NOT EXISTS global_table (
    xid              VARCHAR(128) PRIMARY KEY,
    status           INT          NOT NULL,
    application_id   VARCHAR(64)  NOT NULL,
    transaction_name VARCHAR(128) NOT NULL,
    timeout_ms       BIGINT       NOT NULL,
    begin_time_ms    BIGINT       NOT NULL,
    application_data BYTEA
)`

const ddlBranchTable = `
CREATE TABLE IF NOT EXISTS branch_table (
    branch_id         BIGINT       PRIMARY KEY,
    xid               VARCHAR(128) NOT NULL,
    resource_group_id VARCHAR(64),
    resource_id       VARCHAR(256) NOT NULL,
    branch_type       VARCHAR(8)   NOT NULL,
    lock_key          TEXT,
    status            INT          NOT NULL,
    application_data  BYTEA,
    begin_time_ms     BIGINT       NOT NULL,
    end_time_ms       BIGINT,
    timeout_ms        BIGINT       NOT NULL
)`

const ddlBranchXidIndex = `
CREATE INDEX IF NOT EXISTS idx_branch_xid ON branch_table (xid)`

const ddlGlobalLock = `
CREATE TABLE IF NOT EXISTS global_lock (
    row_key        VARCHAR(256) PRIMARY KEY,
    xid            VARCHAR(128) NOT NULL,
    branch_id      BIGINT       NOT NULL,
    acquired_at_ms BIGINT       NOT NULL
)`

const ddlGlobalLockXidIndex = `
CREATE INDEX IF NOT EXISTS idx_global_lock_xid ON global_lock (xid)`

// EnsureSchema creates the coordinator tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{
		ddlGlobalTable, ddlBranchTable, ddlBranchXidIndex,
		ddlGlobalLock, ddlGlobalLockXidIndex,
	} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}
