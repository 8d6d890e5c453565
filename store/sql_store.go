package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLStore is a GORM-backed implementation of Store.
// SQLite databases are opened in WAL mode so that a crash immediately after
// a committed write does not lose it, and so that readers do not block the
// single writer.
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

type runRow struct {
	RunID     string `gorm:"column:run_id;primaryKey"`
	Status    string `gorm:"column:status;index"`
	StateBlob []byte `gorm:"column:state_blob"`
	Output    []byte `gorm:"column:output"`
	Error     string `gorm:"column:error"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;index"`
}

func (runRow) TableName() string { return "runs" }

type breakpointRow struct {
	RunID         string `gorm:"column:run_id;primaryKey"`
	Category      string `gorm:"column:category"`
	Name          string `gorm:"column:name"`
	Phase         string `gorm:"column:phase"`
	CapturedState []byte `gorm:"column:captured_state_blob"`
	Candidates    string `gorm:"column:next_candidates"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (breakpointRow) TableName() string { return "breakpoints" }

type kvRow struct {
	RunID     string `gorm:"column:run_id;primaryKey"`
	Namespace string `gorm:"column:namespace;primaryKey"`
	Key       string `gorm:"column:kv_key;primaryKey"`
	Value     []byte `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (kvRow) TableName() string { return "kv" }

// NewSQLStore opens a database per the configured driver and migrates the
// schema. Supported drivers: sqlite, postgres, mysql.
func NewSQLStore(cfg SQLConfig, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if !strings.Contains(dsn, "_pragma") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 || cfg.MaxIdleConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}

	if err := db.AutoMigrate(&runRow{}, &breakpointRow{}, &kvRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	log.Info("sql store opened",
		zap.String("driver", cfg.Driver),
	)

	return &SQLStore{
		db:     db,
		logger: log.With(zap.String("component", "sql_store")),
	}, nil
}

func (s *SQLStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	row := runRow{
		RunID:     rec.RunID,
		Status:    rec.Status,
		StateBlob: rec.StateBlob,
		Output:    rec.Output,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *SQLStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	var row runRow
	err := s.db.WithContext(ctx).First(&row, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &RunRecord{
		RunID:     row.RunID,
		Status:    row.Status,
		StateBlob: row.StateBlob,
		Output:    row.Output,
		Error:     row.Error,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *SQLStore) ListRuns(ctx context.Context) ([]*RunRecord, error) {
	var rows []runRow
	err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]*RunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, &RunRecord{
			RunID:     row.RunID,
			Status:    row.Status,
			StateBlob: row.StateBlob,
			Output:    row.Output,
			Error:     row.Error,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out, nil
}

func (s *SQLStore) SaveBreakpoint(ctx context.Context, rec *BreakpointRecord) error {
	row := breakpointRow{
		RunID:         rec.RunID,
		Category:      rec.Category,
		Name:          rec.Name,
		Phase:         rec.Phase,
		CapturedState: rec.CapturedState,
		Candidates:    strings.Join(rec.NextCandidates, ","),
		CreatedAt:     rec.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save breakpoint for run %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *SQLStore) LoadBreakpoint(ctx context.Context, runID string) (*BreakpointRecord, error) {
	var row breakpointRow
	err := s.db.WithContext(ctx).First(&row, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breakpoint for run %s: %w", runID, err)
	}
	var candidates []string
	if row.Candidates != "" {
		candidates = strings.Split(row.Candidates, ",")
	}
	return &BreakpointRecord{
		RunID:          row.RunID,
		Category:       row.Category,
		Name:           row.Name,
		Phase:          row.Phase,
		CapturedState:  row.CapturedState,
		NextCandidates: candidates,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (s *SQLStore) DeleteBreakpoint(ctx context.Context, runID string) error {
	err := s.db.WithContext(ctx).Delete(&breakpointRow{}, "run_id = ?", runID).Error
	if err != nil {
		return fmt.Errorf("failed to delete breakpoint for run %s: %w", runID, err)
	}
	return nil
}

func (s *SQLStore) Set(ctx context.Context, runID, namespace, key string, value []byte) error {
	if err := validateKey(runID, namespace, key); err != nil {
		return err
	}
	row := kvRow{
		RunID:     runID,
		Namespace: namespace,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "namespace"}, {Name: "kv_key"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to set %s/%s for run %s: %w", namespace, key, runID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, runID, namespace, key string) ([]byte, error) {
	if err := validateKey(runID, namespace, key); err != nil {
		return nil, err
	}
	var row kvRow
	err := s.db.WithContext(ctx).
		First(&row, "run_id = ? AND namespace = ? AND kv_key = ?", runID, namespace, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s for run %s: %w", namespace, key, runID, err)
	}
	return row.Value, nil
}

func (s *SQLStore) Delete(ctx context.Context, runID, namespace, key string) error {
	if err := validateKey(runID, namespace, key); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Delete(&kvRow{}, "run_id = ? AND namespace = ? AND kv_key = ?", runID, namespace, key).Error
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s for run %s: %w", namespace, key, runID, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close flushes and closes the underlying connection pool. Safe to call more
// than once; the second call reports the driver's close error, never panics.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
