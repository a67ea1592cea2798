package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM DB handle and exposes repository helpers.
type Database struct {
	gorm *gorm.DB
	mu   sync.Mutex
}

// Open initializes the SQLite-backed database at the provided path.
func Open(path string, silent bool) (*Database, error) {
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Prediction{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		logrus.WithError(err).Warn("enable WAL mode")
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		logrus.WithError(err).Warn("set synchronous pragma")
	}
	if err := applyIndexes(db); err != nil {
		return nil, fmt.Errorf("apply indexes: %w", err)
	}
	return &Database{gorm: db}, nil
}

// GORM exposes the raw gorm.DB handle.
func (d *Database) GORM() *gorm.DB {
	return d.gorm
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SavePrediction creates a prediction row.
func (d *Database) SavePrediction(p *Prediction) error {
	if p == nil {
		return errors.New("prediction is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Create(p).Error
}

// CountPredictions returns the number of stored prediction rows.
func (d *Database) CountPredictions() (int64, error) {
	var count int64
	if err := d.gorm.Model(&Prediction{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ClearPredictions removes previously stored predictions.
func (d *Database) ClearPredictions() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Prediction{}).Error
}

// PredictionQuery encapsulates filters and pagination for listing
// prediction rows.
type PredictionQuery struct {
	Race        string
	ModelName   string
	MinSeverity float64
	Sort        string
	Offset      int
	Limit       int
}

// ListPredictions returns paginated prediction records applying optional
// filters.
func (d *Database) ListPredictions(opts PredictionQuery) ([]Prediction, int64, error) {
	var total int64
	base := d.gorm.Model(&Prediction{})
	if race := strings.TrimSpace(opts.Race); race != "" {
		base = base.Where("race = ?", race)
	}
	if model := strings.TrimSpace(opts.ModelName); model != "" {
		base = base.Where("model_name = ?", model)
	}
	if opts.MinSeverity > 0 {
		base = base.Where("severity >= ?", opts.MinSeverity)
	}

	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := orderForSort(opts.Sort)
	queryBuilder := base.Order(order).Offset(opts.Offset)
	if opts.Limit > 0 {
		queryBuilder = queryBuilder.Limit(opts.Limit)
	}

	var rows []Prediction
	if err := queryBuilder.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func orderForSort(sort string) string {
	switch strings.ToLower(strings.TrimSpace(sort)) {
	case "severity_desc":
		return "predictions.severity DESC, predictions.id DESC"
	case "severity_asc":
		return "predictions.severity ASC, predictions.id DESC"
	case "discrepancy_desc":
		return "predictions.discrepancy DESC, predictions.id DESC"
	case "discrepancy_asc":
		return "predictions.discrepancy ASC, predictions.id DESC"
	case "created_asc":
		return "predictions.created_at ASC"
	case "created_desc":
		return "predictions.created_at DESC"
	default:
		return "predictions.id DESC"
	}
}

func applyIndexes(db *gorm.DB) error {
	stmts := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_predictions_request_id ON predictions(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_predictions_race ON predictions(race)",
		"CREATE INDEX IF NOT EXISTS idx_predictions_severity ON predictions(severity)",
		"CREATE INDEX IF NOT EXISTS idx_predictions_model_name ON predictions(model_name)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
