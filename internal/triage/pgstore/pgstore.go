// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/risk"
	"github.com/linnemanlabs/warden/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts, assessments, and workflow instances in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store over an existing pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const alertColumns = `id, source, title, description, severity, status, asset_id, indicators,
	tags, risk_score, risk_level, requires_human_review, analysis, recommended_actions,
	assigned_to, created_at, sla_deadline`

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAlert", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// PutAlert inserts or updates the alert record.
func (s *Store) PutAlert(ctx context.Context, a *alert.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.PutAlert", "UPSERT")
	defer span.End()

	if err := upsertAlert(ctx, s.pool, a); err != nil {
		return spanErr(span, err)
	}
	return nil
}

// ListAlerts returns alerts filtered by status, newest first.
func (s *Store) ListAlerts(ctx context.Context, status alert.Status, limit int) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAlerts", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

// RecordAssessment appends the assessment and updates the alert record in one
// transaction.
func (s *Store) RecordAssessment(ctx context.Context, a *alert.Alert, as *risk.Assessment) error {
	ctx, span := startSpan(ctx, "pgstore.RecordAssessment", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO assessments (id, alert_id, severity_component, threat_component,
			asset_component, exploitability_component, final_score, final_level,
			confidence, tables_version, computed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		as.ID, as.AlertID, as.SeverityComponent, as.ThreatComponent,
		as.AssetComponent, as.ExploitabilityComponent, as.FinalScore, string(as.FinalLevel),
		as.Confidence, as.TablesVersion, as.ComputedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("insert assessment: %w", err))
	}

	if err := upsertAlert(ctx, tx, a); err != nil {
		return spanErr(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

const assessmentColumns = `id, alert_id, severity_component, threat_component, asset_component,
	exploitability_component, final_score, final_level, confidence, tables_version, computed_at`

// Assessments returns the scoring history for an alert, oldest first.
func (s *Store) Assessments(ctx context.Context, alertID string) ([]*risk.Assessment, error) {
	ctx, span := startSpan(ctx, "pgstore.Assessments", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE alert_id = $1 ORDER BY computed_at`,
		alertID,
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query assessments: %w", err))
	}
	defer rows.Close()

	var out []*risk.Assessment
	for rows.Next() {
		as, err := scanAssessment(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, as)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate assessments: %w", err))
	}
	return out, nil
}

// LatestAssessment returns the most recent assessment for an alert.
func (s *Store) LatestAssessment(ctx context.Context, alertID string) (*risk.Assessment, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestAssessment", "SELECT")
	defer span.End()

	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE alert_id = $1 ORDER BY computed_at DESC LIMIT 1`
	as, err := scanAssessment(s.pool.QueryRow(ctx, query, alertID))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if as == nil {
		return nil, false, nil
	}
	return as, true, nil
}

// GetInstance retrieves a workflow instance by alert ID.
func (s *Store) GetInstance(ctx context.Context, alertID string) (*workflow.Instance, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetInstance", "SELECT")
	defer span.End()

	var (
		i           workflow.Instance
		severity    string
		current     string
		historyJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT alert_id, severity, current_state, created_at, entered_at,
			response_deadline, resolution_deadline, deadline_at, assigned_to,
			resolved_at, breached_response, breached_resolution, history
		 FROM workflow_instances WHERE alert_id = $1`,
		alertID,
	).Scan(
		&i.AlertID, &severity, &current, &i.CreatedAt, &i.EnteredAt,
		&i.ResponseDeadline, &i.ResolutionDeadline, &i.DeadlineAt, &i.AssignedTo,
		&i.ResolvedAt, &i.BreachedResponse, &i.BreachedResolution, &historyJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan instance: %w", err))
	}

	i.Severity = alert.Severity(severity)
	i.Current = alert.Status(current)
	if err := json.Unmarshal(historyJSON, &i.History); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal history: %w", err))
	}
	return &i, true, nil
}

// SaveInstance upserts the instance and syncs the alert's status, assignee,
// and active deadline in one transaction.
func (s *Store) SaveInstance(ctx context.Context, i *workflow.Instance) error {
	ctx, span := startSpan(ctx, "pgstore.SaveInstance", "UPSERT")
	defer span.End()

	historyJSON, err := json.Marshal(i.History)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal history: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_instances (
			alert_id, severity, current_state, created_at, entered_at,
			response_deadline, resolution_deadline, deadline_at, assigned_to,
			resolved_at, breached_response, breached_resolution, history
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (alert_id) DO UPDATE SET
			current_state       = EXCLUDED.current_state,
			entered_at          = EXCLUDED.entered_at,
			deadline_at         = EXCLUDED.deadline_at,
			assigned_to         = EXCLUDED.assigned_to,
			resolved_at         = EXCLUDED.resolved_at,
			breached_response   = EXCLUDED.breached_response,
			breached_resolution = EXCLUDED.breached_resolution,
			history             = EXCLUDED.history`,
		i.AlertID, string(i.Severity), string(i.Current), i.CreatedAt, i.EnteredAt,
		i.ResponseDeadline, i.ResolutionDeadline, i.DeadlineAt, i.AssignedTo,
		i.ResolvedAt, i.BreachedResponse, i.BreachedResolution, historyJSON,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert instance: %w", err))
	}

	_, err = tx.Exec(ctx,
		`UPDATE alerts SET status = $2, assigned_to = $3, sla_deadline = $4 WHERE id = $1`,
		i.AlertID, string(i.Current), i.AssignedTo, i.DeadlineAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("sync alert: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListOpenInstances returns instances whose alert is not yet closed.
func (s *Store) ListOpenInstances(ctx context.Context) ([]*workflow.Instance, error) {
	ctx, span := startSpan(ctx, "pgstore.ListOpenInstances", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT alert_id FROM workflow_instances WHERE current_state <> 'closed'`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query open instances: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan instance id: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate instances: %w", err))
	}

	out := make([]*workflow.Instance, 0, len(ids))
	for _, id := range ids {
		i, ok, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, i)
		}
	}
	return out, nil
}

// execer is the common Exec surface of *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertAlert(ctx context.Context, db execer, a *alert.Alert) error {
	indicatorsJSON, err := json.Marshal(orEmpty(a.Indicators))
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	tagsJSON, err := json.Marshal(orEmptyStr(a.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	actionsJSON, err := json.Marshal(orEmptyStr(a.RecommendedActions))
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	_, err = db.Exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		 ON CONFLICT (id) DO UPDATE SET
			severity              = EXCLUDED.severity,
			status                = EXCLUDED.status,
			risk_score            = EXCLUDED.risk_score,
			risk_level            = EXCLUDED.risk_level,
			requires_human_review = EXCLUDED.requires_human_review,
			analysis              = EXCLUDED.analysis,
			recommended_actions   = EXCLUDED.recommended_actions,
			assigned_to           = EXCLUDED.assigned_to,
			sla_deadline          = EXCLUDED.sla_deadline`,
		a.ID, a.Source, a.Title, a.Description, string(a.Severity), string(a.Status),
		a.AssetID, indicatorsJSON, tagsJSON, a.RiskScore, a.RiskLevel,
		a.RequiresHumanReview, a.Analysis, actionsJSON, a.AssignedTo, a.CreatedAt,
		a.SLADeadline,
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// scanAlert scans a single alert row. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a              alert.Alert
		severity       string
		status         string
		indicatorsJSON []byte
		tagsJSON       []byte
		actionsJSON    []byte
	)
	err := row.Scan(
		&a.ID, &a.Source, &a.Title, &a.Description, &severity, &status, &a.AssetID,
		&indicatorsJSON, &tagsJSON, &a.RiskScore, &a.RiskLevel, &a.RequiresHumanReview,
		&a.Analysis, &actionsJSON, &a.AssignedTo, &a.CreatedAt, &a.SLADeadline,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	a.Severity = alert.Severity(severity)
	a.Status = alert.Status(status)
	if err := json.Unmarshal(indicatorsJSON, &a.Indicators); err != nil {
		return nil, fmt.Errorf("unmarshal indicators: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &a.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &a.RecommendedActions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	return &a, nil
}

// scanAssessment scans a single assessment row. Returns (nil, nil) when no
// row is found.
func scanAssessment(row pgx.Row) (*risk.Assessment, error) {
	var (
		as    risk.Assessment
		level string
	)
	err := row.Scan(
		&as.ID, &as.AlertID, &as.SeverityComponent, &as.ThreatComponent,
		&as.AssetComponent, &as.ExploitabilityComponent, &as.FinalScore, &level,
		&as.Confidence, &as.TablesVersion, &as.ComputedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan assessment: %w", err)
	}
	as.FinalLevel = risk.Level(level)
	return &as, nil
}

func orEmpty(in []alert.Indicator) []alert.Indicator {
	if in == nil {
		return []alert.Indicator{}
	}
	return in
}

func orEmptyStr(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
