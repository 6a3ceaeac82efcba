package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the reports, profiles and alerts repositories on
// one pgx pool. Schema lives in migrations/.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const reportColumns = `id, profile_id, report_type, language, provider, model, content, status, generation, favorite, created_at, updated_at, completed_at`

func scanReport(row pgx.Row) (*domain.Report, error) {
	var (
		report   domain.Report
		language string
		status   string
	)
	err := row.Scan(
		&report.ID,
		&report.ProfileID,
		&report.ReportType,
		&language,
		&report.Provider,
		&report.Model,
		&report.Content,
		&status,
		&report.Generation,
		&report.Favorite,
		&report.CreatedAt,
		&report.UpdatedAt,
		&report.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	report.Language = domain.Language(language)
	report.Status = domain.ReportStatus(status)
	return &report, nil
}

func (s *PostgresStore) CreateReport(ctx context.Context, report *domain.Report) (*domain.Report, bool, error) {
	candidate := newGeneratingReport(report, time.Now().UTC())

	// the partial unique index on generating records arbitrates concurrent
	// requests; a conflict that finalizes before we read it is retried
	for attempt := 0; attempt < 3; attempt++ {
		stored, err := scanReport(s.pool.QueryRow(ctx, `
			INSERT INTO reports (
				id, profile_id, report_type, language, provider, model,
				content, status, generation, favorite, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, '', 'generating', 0, false, $7, $7)
			ON CONFLICT (profile_id, report_type, language) WHERE status = 'generating' DO NOTHING
			RETURNING `+reportColumns,
			candidate.ID,
			candidate.ProfileID,
			candidate.ReportType,
			string(candidate.Language),
			candidate.Provider,
			candidate.Model,
			candidate.CreatedAt,
		))
		if err == nil {
			return stored, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("insert report: %w", err)
		}

		existing, err := scanReport(s.pool.QueryRow(ctx, `
			SELECT `+reportColumns+`
			FROM reports
			WHERE profile_id = $1 AND report_type = $2 AND language = $3 AND status = 'generating'
		`, candidate.ProfileID, candidate.ReportType, string(candidate.Language)))
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("query in-flight report: %w", err)
		}
	}
	return nil, false, errors.New("insert report: in-flight record kept changing")
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (*domain.Report, error) {
	report, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query report: %w", err)
	}
	return report, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, profileID string) ([]domain.Report, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE profile_id = $1
		ORDER BY created_at DESC
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, *report)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate reports: %w", rows.Err())
	}
	return items, nil
}

func (s *PostgresStore) RestartContent(ctx context.Context, reportID string) (*domain.Report, error) {
	report, err := scanReport(s.pool.QueryRow(ctx, `
		UPDATE reports
		SET content = '', generation = generation + 1, updated_at = $2
		WHERE id = $1 AND status = 'generating'
		RETURNING `+reportColumns,
		reportID, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.explainRejectedWrite(ctx, reportID, AnyGeneration)
		}
		return nil, fmt.Errorf("restart report content: %w", err)
	}
	return report, nil
}

func (s *PostgresStore) AppendContent(ctx context.Context, reportID string, generation int, delta string) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET content = content || $3, updated_at = $4
		WHERE id = $1 AND generation = $2 AND status = 'generating'
	`, reportID, generation, delta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append report content: %w", err)
	}
	if command.RowsAffected() == 0 {
		return s.explainRejectedWrite(ctx, reportID, generation)
	}
	return nil
}

func (s *PostgresStore) Finalize(
	ctx context.Context,
	reportID string,
	generation int,
	status domain.ReportStatus,
) (*domain.Report, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finalize report with non-terminal status %q", status)
	}

	now := time.Now().UTC()
	report, err := scanReport(s.pool.QueryRow(ctx, `
		UPDATE reports
		SET status = $2, updated_at = $3, completed_at = $3
		WHERE id = $1 AND status = 'generating' AND ($4 = 0 OR generation = $4)
		RETURNING `+reportColumns,
		reportID, string(status), now, generation,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.explainRejectedWrite(ctx, reportID, generation)
		}
		return nil, fmt.Errorf("finalize report: %w", err)
	}
	return report, nil
}

func (s *PostgresStore) SetFavorite(ctx context.Context, reportID string, favorite bool) (*domain.Report, error) {
	report, err := scanReport(s.pool.QueryRow(ctx, `
		UPDATE reports SET favorite = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+reportColumns,
		reportID, favorite, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("set report favorite: %w", err)
	}
	return report, nil
}

// explainRejectedWrite maps a guarded update that touched no row to the
// reason it was refused.
func (s *PostgresStore) explainRejectedWrite(ctx context.Context, reportID string, generation int) error {
	report, err := s.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if report.Status.Terminal() {
		return ErrReportFinalized
	}
	if generation != AnyGeneration && report.Generation != generation {
		return ErrStaleGeneration
	}
	return fmt.Errorf("report %s changed concurrently", reportID)
}

func (s *PostgresStore) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	var (
		profile domain.Profile
		chart   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, chart, updated_at FROM profiles WHERE id = $1
	`, profileID).Scan(&profile.ID, &profile.Name, &chart, &profile.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query profile: %w", err)
	}
	if err := sonic.Unmarshal(chart, &profile.Chart); err != nil {
		return nil, fmt.Errorf("decode profile chart: %w", err)
	}
	return &profile, nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	if strings.TrimSpace(profile.ID) == "" {
		return errors.New("profile id is required")
	}
	chart, err := json.Marshal(profile.Chart)
	if err != nil {
		return fmt.Errorf("encode profile chart: %w", err)
	}
	updatedAt := profile.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO profiles (id, name, chart, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, chart = EXCLUDED.chart, updated_at = EXCLUDED.updated_at
	`, profile.ID, profile.Name, chart, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, profile_id, model, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, alert.ID, alert.ProfileID, alert.Model, alert.Content, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, profileID string, limit int) ([]domain.Alert, error) {
	query := `
		SELECT id, profile_id, model, content, created_at
		FROM alerts
		WHERE profile_id = $1
		ORDER BY created_at DESC`
	args := []any{profileID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Alert, 0)
	for rows.Next() {
		var alert domain.Alert
		if err := rows.Scan(&alert.ID, &alert.ProfileID, &alert.Model, &alert.Content, &alert.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		items = append(items, alert)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate alerts: %w", rows.Err())
	}
	return items, nil
}
