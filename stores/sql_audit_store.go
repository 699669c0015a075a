package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLAuditStore persists audit events, archives, alerts, metrics and health
// checks in SQL (squealx)
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sql audit store: nil db")
	}
	return &SQLAuditStore{db: db}, nil
}

const eventColumns = `id, event_id, timestamp, event_type, severity, subject_id, action, resource_type, resource_id, result, policy_id,
	details_json, ip_address, user_agent, location_json, device_info_json, session_id, correlation_id, request_id, metadata_json, hash`

func eventParams(e *abac.AuditEvent) (map[string]any, error) {
	details, err := toJSON(e.Details)
	if err != nil {
		return nil, err
	}
	location, err := toJSON(e.Location)
	if err != nil {
		return nil, err
	}
	device, err := toJSON(e.DeviceInfo)
	if err != nil {
		return nil, err
	}
	meta, err := toJSON(e.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"event_id":         e.EventID,
		"timestamp":        formatTime(e.Timestamp),
		"event_type":       string(e.EventType),
		"severity":         string(e.Severity),
		"subject_id":       e.SubjectID,
		"action":           e.Action,
		"resource_type":    e.ResourceType,
		"resource_id":      e.ResourceID,
		"result":           e.Result,
		"policy_id":        nullableInt64(e.PolicyID),
		"details_json":     details,
		"ip_address":       e.IPAddress,
		"user_agent":       e.UserAgent,
		"location_json":    location,
		"device_info_json": device,
		"session_id":       e.SessionID,
		"correlation_id":   e.CorrelationID,
		"request_id":       e.RequestID,
		"metadata_json":    meta,
		"hash":             e.Hash,
	}, nil
}

func scanEvent(r rowScanner) (*abac.AuditEvent, error) {
	e := &abac.AuditEvent{}
	var eventType, severity, details, location, device, meta string
	var timestampRaw, policyRaw interface{}
	if err := r.Scan(&e.ID, &e.EventID, &timestampRaw, &eventType, &severity, &e.SubjectID, &e.Action, &e.ResourceType,
		&e.ResourceID, &e.Result, &policyRaw, &details, &e.IPAddress, &e.UserAgent, &location, &device,
		&e.SessionID, &e.CorrelationID, &e.RequestID, &meta, &e.Hash); err != nil {
		return nil, err
	}
	e.Timestamp = scanTime(timestampRaw)
	e.EventType = abac.EventType(eventType)
	e.Severity = abac.Severity(severity)
	switch v := policyRaw.(type) {
	case int64:
		e.PolicyID = &v
	case int:
		id := int64(v)
		e.PolicyID = &id
	}
	e.Details = fromJSONMap(details)
	e.Location = fromJSONMap(location)
	e.DeviceInfo = fromJSONMap(device)
	e.Metadata = fromJSONMap(meta)
	return e, nil
}

// InsertEvents writes a batch in one transaction, preserving slice order.
// Row ids are assigned to the events on success.
func (s *SQLAuditStore) InsertEvents(ctx context.Context, events []*abac.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	q := `INSERT INTO audit_logs(event_id, timestamp, event_type, severity, subject_id, action, resource_type, resource_id, result, policy_id,
		details_json, ip_address, user_agent, location_json, device_info_json, session_id, correlation_id, request_id, metadata_json, hash)
		VALUES(:event_id, :timestamp, :event_type, :severity, :subject_id, :action, :resource_type, :resource_id, :result, :policy_id,
		:details_json, :ip_address, :user_agent, :location_json, :device_info_json, :session_id, :correlation_id, :request_id, :metadata_json, :hash)`
	ids := make([]int64, len(events))
	for i, e := range events {
		params, err := eventParams(e)
		if err != nil {
			return fmt.Errorf("encode audit event %s: %w", e.EventID, err)
		}
		res, err := tx.NamedExecContext(ctx, q, params)
		if err != nil {
			return fmt.Errorf("insert audit event %s: %w", e.EventID, err)
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for i, e := range events {
		e.ID = ids[i]
	}
	return nil
}

func (s *SQLAuditStore) QueryEvents(ctx context.Context, filter abac.AuditFilter) ([]*abac.AuditEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM audit_logs WHERE 1=1`
	params := map[string]any{}
	if filter.SubjectID != "" {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = filter.SubjectID
	}
	if filter.EventType != "" {
		q += " AND event_type = :event_type"
		params["event_type"] = string(filter.EventType)
	}
	if filter.ResourceID != "" {
		q += " AND resource_id = :resource_id"
		params["resource_id"] = filter.ResourceID
	}
	if filter.Result != "" {
		q += " AND result = :result"
		params["result"] = filter.Result
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = formatTime(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = formatTime(filter.EndTime)
	}
	q += " ORDER BY id ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	return s.queryEvents(ctx, q, params)
}

func (s *SQLAuditStore) queryEvents(ctx context.Context, q string, params map[string]any) ([]*abac.AuditEvent, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.AuditEvent, 0)
	for r.Next() {
		e, err := scanEvent(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, r.Err()
}

// ArchivableDays lists the UTC days that still hold rows older than cutoff
func (s *SQLAuditStore) ArchivableDays(ctx context.Context, cutoff time.Time) ([]time.Time, error) {
	q := `SELECT DISTINCT substr(timestamp, 1, 10) AS day FROM audit_logs WHERE timestamp < :cutoff ORDER BY day ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"cutoff": formatTime(cutoff)})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	days := make([]time.Time, 0)
	for r.Next() {
		var day string
		if err := r.Scan(&day); err != nil {
			return nil, err
		}
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("unexpected audit day %q: %w", day, err)
		}
		days = append(days, t)
	}
	return days, r.Err()
}

// EventsBetween returns rows with from <= timestamp < to ordered by id
func (s *SQLAuditStore) EventsBetween(ctx context.Context, from, to time.Time) ([]*abac.AuditEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM audit_logs WHERE timestamp >= :from AND timestamp < :to ORDER BY id ASC`
	return s.queryEvents(ctx, q, map[string]any{"from": formatTime(from), "to": formatTime(to)})
}

// ArchiveDay records the archive and deletes the archived rows atomically.
// Only rows with id <= maxID are removed so late inserts survive.
func (s *SQLAuditStore) ArchiveDay(ctx context.Context, a *abac.AuditArchive, from, to time.Time, maxID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	q := `INSERT INTO audit_log_archives(archive_date, file_path, start_timestamp, end_timestamp, record_count, file_size, hash, created_at)
		VALUES(:archive_date, :file_path, :start_timestamp, :end_timestamp, :record_count, :file_size, :hash, :created_at)`
	res, err := tx.NamedExecContext(ctx, q, map[string]any{
		"archive_date":    formatTime(a.ArchiveDate),
		"file_path":       a.FilePath,
		"start_timestamp": formatTime(a.StartTimestamp),
		"end_timestamp":   formatTime(a.EndTimestamp),
		"record_count":    a.RecordCount,
		"file_size":       a.FileSize,
		"hash":            a.Hash,
		"created_at":      formatTime(a.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	del := `DELETE FROM audit_logs WHERE timestamp >= :from AND timestamp < :to AND id <= :max_id`
	if _, err := tx.NamedExecContext(ctx, del, map[string]any{"from": formatTime(from), "to": formatTime(to), "max_id": maxID}); err != nil {
		return fmt.Errorf("delete archived rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (s *SQLAuditStore) ListArchives(ctx context.Context) ([]*abac.AuditArchive, error) {
	q := `SELECT id, archive_date, file_path, start_timestamp, end_timestamp, record_count, file_size, hash, created_at FROM audit_log_archives ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.AuditArchive, 0)
	for r.Next() {
		a := &abac.AuditArchive{}
		var dateRaw, startRaw, endRaw, createdRaw interface{}
		if err := r.Scan(&a.ID, &dateRaw, &a.FilePath, &startRaw, &endRaw, &a.RecordCount, &a.FileSize, &a.Hash, &createdRaw); err != nil {
			return nil, err
		}
		a.ArchiveDate = scanTime(dateRaw)
		a.StartTimestamp = scanTime(startRaw)
		a.EndTimestamp = scanTime(endRaw)
		a.CreatedAt = scanTime(createdRaw)
		out = append(out, a)
	}
	return out, r.Err()
}

func (s *SQLAuditStore) InsertAlert(ctx context.Context, a *abac.SecurityAlert) error {
	details, err := toJSON(a.Details)
	if err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = "open"
	}
	q := `INSERT INTO security_alerts(timestamp, alert_type, pattern, severity, subject_id, description, details_json, status)
		VALUES(:timestamp, :alert_type, :pattern, :severity, :subject_id, :description, :details_json, :status)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"timestamp":    formatTime(a.Timestamp),
		"alert_type":   a.AlertType,
		"pattern":      a.Pattern,
		"severity":     string(a.Severity),
		"subject_id":   a.SubjectID,
		"description":  a.Description,
		"details_json": details,
		"status":       a.Status,
	})
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

// ListAlerts returns alerts with the given status, or all when status is empty
func (s *SQLAuditStore) ListAlerts(ctx context.Context, status string) ([]*abac.SecurityAlert, error) {
	q := `SELECT id, timestamp, alert_type, pattern, severity, subject_id, description, details_json, status FROM security_alerts
		WHERE (:status = '' OR status = :status) ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"status": status})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.SecurityAlert, 0)
	for r.Next() {
		a := &abac.SecurityAlert{}
		var tsRaw interface{}
		var severity, details string
		if err := r.Scan(&a.ID, &tsRaw, &a.AlertType, &a.Pattern, &severity, &a.SubjectID, &a.Description, &details, &a.Status); err != nil {
			return nil, err
		}
		a.Timestamp = scanTime(tsRaw)
		a.Severity = abac.Severity(severity)
		a.Details = fromJSONMap(details)
		out = append(out, a)
	}
	return out, r.Err()
}

func (s *SQLAuditStore) InsertMetric(ctx context.Context, m *abac.SystemMetric) error {
	value, err := toJSON(m.Value)
	if err != nil {
		return err
	}
	tags, err := toJSON(m.Tags)
	if err != nil {
		return err
	}
	q := `INSERT INTO system_metrics(timestamp, metric_type, value_json, tags_json) VALUES(:timestamp, :metric_type, :value_json, :tags_json)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"timestamp":   formatTime(m.Timestamp),
		"metric_type": m.MetricType,
		"value_json":  value,
		"tags_json":   tags,
	})
	if err != nil {
		return err
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (s *SQLAuditStore) InsertHealthCheck(ctx context.Context, h *abac.HealthCheck) error {
	details, err := toJSON(h.Details)
	if err != nil {
		return err
	}
	q := `INSERT INTO health_checks(timestamp, component, status, response_time_ms, details_json) VALUES(:timestamp, :component, :status, :response_time_ms, :details_json)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"timestamp":        formatTime(h.Timestamp),
		"component":        h.Component,
		"status":           string(h.Status),
		"response_time_ms": float64(h.ResponseTime) / float64(time.Millisecond),
		"details_json":     details,
	})
	if err != nil {
		return err
	}
	h.ID, err = res.LastInsertId()
	return err
}

// Ping checks the database round trip
func (s *SQLAuditStore) Ping(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "SELECT 1")
	return err
}
