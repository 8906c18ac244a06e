package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agritrace/internal/config"
	"agritrace/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a conditional update finds the record
// at a different version than expected. Callers re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

const workflowCols = `id,batch_ref,farmer_id,county,commodity,current_stage,blocked,block_reason,archived,version,created_at,updated_at`

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(`+workflowCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.BatchRef, w.FarmerID, w.County, nullable(w.Commodity), w.CurrentStage,
		boolInt(w.Blocked), nullableStringPtr(w.BlockReason), boolInt(w.Archived), w.Version, w.CreatedAt, w.UpdatedAt)
	return err
}

func scanWorkflow(scan func(...any) error) (domain.Workflow, error) {
	var w domain.Workflow
	var commodity, blockReason sql.NullString
	var blocked, archived int
	err := scan(&w.ID, &w.BatchRef, &w.FarmerID, &w.County, &commodity, &w.CurrentStage,
		&blocked, &blockReason, &archived, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if commodity.Valid {
		w.Commodity = commodity.String
	}
	if blockReason.Valid {
		w.BlockReason = &blockReason.String
	}
	w.Blocked = blocked != 0
	w.Archived = archived != 0
	return w, nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workflowCols+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workflow, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workflowCols+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

// UpdateWorkflowCAS writes the workflow conditionally on its previous version
// and bumps the version. ErrVersionConflict means a concurrent writer won.
func (r Repo) UpdateWorkflowCAS(ctx context.Context, tx *sql.Tx, w domain.Workflow, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET current_stage=?, blocked=?, block_reason=?, archived=?, commodity=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		w.CurrentStage, boolInt(w.Blocked), nullableStringPtr(w.BlockReason), boolInt(w.Archived), nullable(w.Commodity), w.UpdatedAt, w.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

type WorkflowFilters struct {
	County  string
	Stage   string
	Blocked *bool
	Limit   int
}

func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.Workflow, error) {
	var clauses []string
	var args []any
	if f.County != "" {
		clauses = append(clauses, "county=?")
		args = append(args, f.County)
	}
	if f.Stage != "" {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.Blocked != nil {
		clauses = append(clauses, "blocked=?")
		args = append(args, boolInt(*f.Blocked))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workflowCols + ` FROM workflows ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) AppendStageRecord(ctx context.Context, tx *sql.Tx, rec domain.StageRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_history(workflow_id,stage,entered_at,exited_at,verdict,payload_json,payload_hash) VALUES (?,?,?,?,?,?,?)`,
		rec.WorkflowID, rec.Stage, rec.EnteredAt, nullableStringPtr(rec.ExitedAt), nullableStringPtr(rec.Verdict), nullable(rec.PayloadJSON), rec.PayloadHash)
	return err
}

// CloseOpenStageRecord stamps exited_at on the workflow's latest open history row.
func (r Repo) CloseOpenStageRecord(ctx context.Context, tx *sql.Tx, workflowID, exitedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stage_history SET exited_at=? WHERE id=(
		SELECT id FROM stage_history WHERE workflow_id=? AND exited_at IS NULL ORDER BY id DESC LIMIT 1)`,
		exitedAt, workflowID)
	return err
}

func scanStageRecord(scan func(...any) error) (domain.StageRecord, error) {
	var rec domain.StageRecord
	var exitedAt, verdict, payload sql.NullString
	err := scan(&rec.ID, &rec.WorkflowID, &rec.Stage, &rec.EnteredAt, &exitedAt, &verdict, &payload, &rec.PayloadHash)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if exitedAt.Valid {
		rec.ExitedAt = &exitedAt.String
	}
	if verdict.Valid {
		rec.Verdict = &verdict.String
	}
	if payload.Valid {
		rec.PayloadJSON = payload.String
	}
	return rec, nil
}

const stageRecordCols = `id,workflow_id,stage,entered_at,exited_at,verdict,payload_json,payload_hash`

func (r Repo) ListStageHistory(ctx context.Context, workflowID string) ([]domain.StageRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageRecordCols+` FROM stage_history WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageRecord
	for rows.Next() {
		rec, err := scanStageRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LastStageRecord returns the most recent history row for a workflow.
func (r Repo) LastStageRecord(ctx context.Context, tx *sql.Tx, workflowID string) (domain.StageRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageRecordCols+` FROM stage_history WHERE workflow_id=? ORDER BY id DESC LIMIT 1`, workflowID)
	return scanStageRecord(row.Scan)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var e domain.Event
	var entityID, payload sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload)
	if err != nil {
		return e, err
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

func (r Repo) UpsertProgramConfig(ctx context.Context, programID string, cfg *config.Config) error {
	return upsertProgramConfig(ctx, r.DB, nil, programID, cfg)
}

func (r Repo) UpsertProgramConfigTx(ctx context.Context, tx *sql.Tx, programID string, cfg *config.Config) error {
	return upsertProgramConfig(ctx, nil, tx, programID, cfg)
}

func upsertProgramConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, programID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Program.ID = programID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO program_configs(program_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(program_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, programID, string(payload), now, now)
	return err
}

func (r Repo) GetProgramConfig(ctx context.Context, programID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM program_configs WHERE program_id=?`, programID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Program.ID == "" {
		cfg.Program.ID = programID
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
