// Package store provides GORM-backed persistence for the measurement
// entities and emits change events consumed by the trigger layer.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/nat64check/zaphod/pkg/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// eventBufferSize bounds the change event channel. Emission never
// blocks the write path; overflow events are dropped with a warning
// and recovered by the trigger layer's staleness rules.
const eventBufferSize = 1024

// Store provides persistence for measurement resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Events returns the change event stream. There is a single
	// consumer: the trigger engine.
	Events() <-chan Event

	// Transaction runs fn against a transaction-scoped Store. Change
	// events raised inside fn are delivered only after commit.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Trillians and Marvins.
	SeedTrillians(ctx context.Context, trillians []config.TrillianConfig) error
	CreateTrillian(ctx context.Context, trillian *Trillian) error
	SaveTrillian(ctx context.Context, trillian *Trillian) error
	GetTrillian(ctx context.Context, id uint) (*Trillian, error)
	GetTrillianByName(ctx context.Context, name string) (*Trillian, error)
	ListTrillians(ctx context.Context) ([]Trillian, error)
	UpsertMarvin(ctx context.Context, marvin *Marvin) error
	GetMarvin(ctx context.Context, id uint) (*Marvin, error)

	// Test runs.
	CreateTestRun(ctx context.Context, run *TestRun) error
	GetTestRun(ctx context.Context, id uint) (*TestRun, error)
	GetTestRunForUpdate(ctx context.Context, id uint) (*TestRun, error)
	SaveTestRun(ctx context.Context, run *TestRun) error
	UpsertTestRunAverage(ctx context.Context, avg *TestRunAverage) error
	ListTestRunAverages(ctx context.Context, testRunID uint) ([]TestRunAverage, error)
	ListTestRunMessages(ctx context.Context, testRunID uint) ([]TestRunMessage, error)

	// Instance runs.
	CreateInstanceRun(ctx context.Context, run *InstanceRun) error
	GetInstanceRun(ctx context.Context, id uint) (*InstanceRun, error)
	GetInstanceRunForUpdate(ctx context.Context, id uint) (*InstanceRun, error)
	SaveInstanceRun(ctx context.Context, run *InstanceRun) error
	ListInstanceRuns(ctx context.Context, testRunID uint) ([]InstanceRun, error)
	AddInstanceRunMessage(ctx context.Context, msg *InstanceRunMessage) error
	ListInstanceRunMessages(ctx context.Context, instanceRunID uint) ([]InstanceRunMessage, error)

	// Results.
	UpsertResult(ctx context.Context, result *InstanceRunResult) error
	GetResult(ctx context.Context, id uint) (*InstanceRunResult, error)
	GetResultForUpdate(ctx context.Context, id uint) (*InstanceRunResult, error)
	SaveResult(ctx context.Context, result *InstanceRunResult) error
	ListResults(ctx context.Context, instanceRunID uint) ([]InstanceRunResult, error)
	ListBaselineResults(ctx context.Context, instanceRunID uint) ([]InstanceRunResult, error)
	ListTestRunResultScores(ctx context.Context, testRunID uint) ([]TypedScores, error)
}

// TypedScores is one result's scores tagged with its Marvin's instance
// type, used for the per-type test run averages.
type TypedScores struct {
	InstanceType  string
	ImageScore    *float64
	ResourceScore *float64
	OverallScore  *float64
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log    logrus.FieldLogger
	cfg    *config.DatabaseConfig
	db     *gorm.DB
	events chan Event

	// pending collects events raised inside a transaction; they are
	// flushed to the channel only after the transaction commits.
	pending *[]Event
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log:    log.WithField("component", "store"),
		cfg:    cfg,
		events: make(chan Event, eventBufferSize),
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Trillian{},
		&Marvin{},
		&TestRun{},
		&TestRunAverage{},
		&TestRunMessage{},
		&InstanceRun{},
		&InstanceRunMessage{},
		&InstanceRunResult{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Events() <-chan Event {
	return s.events
}

// Transaction runs fn against a transaction-scoped store and flushes
// the events it raised after commit.
func (s *store) Transaction(
	ctx context.Context, fn func(tx Store) error,
) error {
	var queued []Event

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &store{
			log:     s.log,
			cfg:     s.cfg,
			db:      tx,
			events:  s.events,
			pending: &queued,
		}

		return fn(txStore)
	})
	if err != nil {
		return err
	}

	for _, ev := range queued {
		s.emit(ev)
	}

	return nil
}

// emit delivers a change event without ever blocking the write path.
func (s *store) emit(ev Event) {
	if s.pending != nil {
		*s.pending = append(*s.pending, ev)

		return
	}

	select {
	case s.events <- ev:
	default:
		s.log.Warn("Event buffer full, dropping change event")
	}
}

// forUpdate adds an exclusive row lock on PostgreSQL. SQLite has no
// SELECT ... FOR UPDATE; its single-writer model already serializes
// concurrent mutators.
func (s *store) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	return tx
}

func translateErr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}

// --- Trillians and Marvins ---

// SeedTrillians upserts the configured Trillian nodes by name. Nodes
// removed from the config are kept; their history stays referenced.
func (s *store) SeedTrillians(
	ctx context.Context, trillians []config.TrillianConfig,
) error {
	for _, entry := range trillians {
		existing, err := s.GetTrillianByName(ctx, entry.Name)
		if errors.Is(err, ErrNotFound) {
			if err := s.CreateTrillian(ctx, &Trillian{
				Name:     entry.Name,
				Hostname: entry.Hostname,
				Token:    entry.Token,
				Country:  entry.Country,
			}); err != nil {
				return err
			}

			s.log.WithField("trillian", entry.Name).Info("Trillian registered")

			continue
		}

		if err != nil {
			return err
		}

		existing.Hostname = entry.Hostname
		existing.Token = entry.Token
		existing.Country = entry.Country

		if err := s.SaveTrillian(ctx, existing); err != nil {
			return err
		}
	}

	return nil
}

func (s *store) CreateTrillian(ctx context.Context, trillian *Trillian) error {
	if err := s.db.WithContext(ctx).Create(trillian).Error; err != nil {
		return fmt.Errorf("creating trillian: %w", err)
	}

	return nil
}

func (s *store) SaveTrillian(ctx context.Context, trillian *Trillian) error {
	if err := s.db.WithContext(ctx).Save(trillian).Error; err != nil {
		return fmt.Errorf("saving trillian: %w", err)
	}

	return nil
}

func (s *store) GetTrillian(ctx context.Context, id uint) (*Trillian, error) {
	var trillian Trillian
	if err := s.db.WithContext(ctx).First(&trillian, id).Error; err != nil {
		return nil, translateErr(err, "getting trillian")
	}

	return &trillian, nil
}

func (s *store) GetTrillianByName(
	ctx context.Context, name string,
) (*Trillian, error) {
	var trillian Trillian
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&trillian).Error; err != nil {
		return nil, translateErr(err, "getting trillian by name")
	}

	return &trillian, nil
}

func (s *store) ListTrillians(ctx context.Context) ([]Trillian, error) {
	var trillians []Trillian
	if err := s.db.WithContext(ctx).
		Order("name ASC").
		Find(&trillians).Error; err != nil {
		return nil, fmt.Errorf("listing trillians: %w", err)
	}

	return trillians, nil
}

// UpsertMarvin creates or refreshes a Marvin identified by its
// (trillian, name) pair.
func (s *store) UpsertMarvin(ctx context.Context, marvin *Marvin) error {
	var existing Marvin

	err := s.db.WithContext(ctx).
		Where("trillian_id = ? AND name = ?", marvin.TrillianID, marvin.Name).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if marvin.LastSeen.IsZero() {
			marvin.LastSeen = time.Now().UTC()
		}

		if err := s.db.WithContext(ctx).Create(marvin).Error; err != nil {
			return fmt.Errorf("creating marvin: %w", err)
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("getting marvin: %w", err)
	}

	existing.Type = marvin.Type
	existing.BrowserName = marvin.BrowserName
	existing.InstanceType = marvin.InstanceType
	existing.LastSeen = time.Now().UTC()

	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("updating marvin: %w", err)
	}

	*marvin = existing

	return nil
}

func (s *store) GetMarvin(ctx context.Context, id uint) (*Marvin, error) {
	var marvin Marvin
	if err := s.db.WithContext(ctx).First(&marvin, id).Error; err != nil {
		return nil, translateErr(err, "getting marvin")
	}

	return &marvin, nil
}

// --- Test runs ---

func (s *store) CreateTestRun(ctx context.Context, run *TestRun) error {
	if run.Requested.IsZero() {
		run.Requested = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating test run: %w", err)
	}

	saved := *run
	s.emit(TestRunSaved{New: &saved})

	return nil
}

func (s *store) GetTestRun(ctx context.Context, id uint) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, translateErr(err, "getting test run")
	}

	return &run, nil
}

func (s *store) GetTestRunForUpdate(
	ctx context.Context, id uint,
) (*TestRun, error) {
	var run TestRun
	if err := s.forUpdate(s.db.WithContext(ctx)).
		First(&run, id).Error; err != nil {
		return nil, translateErr(err, "getting test run for update")
	}

	return &run, nil
}

func (s *store) SaveTestRun(ctx context.Context, run *TestRun) error {
	old, err := s.GetTestRun(ctx, run.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("saving test run: %w", err)
	}

	saved := *run
	s.emit(TestRunSaved{Old: old, New: &saved})

	return nil
}

// UpsertTestRunAverage creates or replaces the per-instance-type
// average scores of a test run.
func (s *store) UpsertTestRunAverage(
	ctx context.Context, avg *TestRunAverage,
) error {
	var existing TestRunAverage

	err := s.db.WithContext(ctx).
		Where("test_run_id = ? AND instance_type = ?",
			avg.TestRunID, avg.InstanceType).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.WithContext(ctx).Create(avg).Error; err != nil {
			return fmt.Errorf("creating test run average: %w", err)
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("getting test run average: %w", err)
	}

	existing.ImageScore = avg.ImageScore
	existing.ResourceScore = avg.ResourceScore
	existing.OverallScore = avg.OverallScore

	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("updating test run average: %w", err)
	}

	*avg = existing

	return nil
}

func (s *store) ListTestRunAverages(
	ctx context.Context, testRunID uint,
) ([]TestRunAverage, error) {
	var averages []TestRunAverage
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("instance_type ASC").
		Find(&averages).Error; err != nil {
		return nil, fmt.Errorf("listing test run averages: %w", err)
	}

	return averages, nil
}

func (s *store) ListTestRunMessages(
	ctx context.Context, testRunID uint,
) ([]TestRunMessage, error) {
	var messages []TestRunMessage
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("severity DESC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("listing test run messages: %w", err)
	}

	return messages, nil
}

// --- Instance runs ---

func (s *store) CreateInstanceRun(ctx context.Context, run *InstanceRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating instance run: %w", err)
	}

	saved := *run
	s.emit(InstanceRunSaved{New: &saved})

	return nil
}

func (s *store) GetInstanceRun(
	ctx context.Context, id uint,
) (*InstanceRun, error) {
	var run InstanceRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, translateErr(err, "getting instance run")
	}

	return &run, nil
}

func (s *store) GetInstanceRunForUpdate(
	ctx context.Context, id uint,
) (*InstanceRun, error) {
	var run InstanceRun
	if err := s.forUpdate(s.db.WithContext(ctx)).
		First(&run, id).Error; err != nil {
		return nil, translateErr(err, "getting instance run for update")
	}

	return &run, nil
}

func (s *store) SaveInstanceRun(ctx context.Context, run *InstanceRun) error {
	old, err := s.GetInstanceRun(ctx, run.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("saving instance run: %w", err)
	}

	saved := *run
	s.emit(InstanceRunSaved{Old: old, New: &saved})

	return nil
}

func (s *store) ListInstanceRuns(
	ctx context.Context, testRunID uint,
) ([]InstanceRun, error) {
	var runs []InstanceRun
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing instance runs: %w", err)
	}

	return runs, nil
}

// AddInstanceRunMessage records a diagnostic message, deduplicated per
// (instance run, severity, message).
func (s *store) AddInstanceRunMessage(
	ctx context.Context, msg *InstanceRunMessage,
) error {
	if msg.Source == "" {
		msg.Source = SourceLocal
	}

	result := s.db.WithContext(ctx).
		Where("instance_run_id = ? AND severity = ? AND message = ?",
			msg.InstanceRunID, msg.Severity, msg.Message).
		FirstOrCreate(msg)
	if result.Error != nil {
		return fmt.Errorf("adding instance run message: %w", result.Error)
	}

	return nil
}

func (s *store) ListInstanceRunMessages(
	ctx context.Context, instanceRunID uint,
) ([]InstanceRunMessage, error) {
	var messages []InstanceRunMessage
	if err := s.db.WithContext(ctx).
		Where("instance_run_id = ?", instanceRunID).
		Order("severity DESC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("listing instance run messages: %w", err)
	}

	return messages, nil
}

// --- Results ---

// UpsertResult makes Trillian callbacks idempotent per
// (instance run, marvin): a repeated delivery with a newer probe
// timestamp replaces the raw payloads and clears the analysis state so
// the result is analysed again; an identical timestamp is a no-op.
func (s *store) UpsertResult(
	ctx context.Context, result *InstanceRunResult,
) error {
	var existing InstanceRunResult

	err := s.db.WithContext(ctx).
		Where("instance_run_id = ? AND marvin_id = ?",
			result.InstanceRunID, result.MarvinID).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
			return fmt.Errorf("creating result: %w", err)
		}

		saved := *result
		s.emit(ResultSaved{New: &saved})

		return nil
	}

	if err != nil {
		return fmt.Errorf("getting result: %w", err)
	}

	old := existing

	if !result.When.Equal(existing.When) {
		existing.When = result.When
		existing.PingResponse = result.PingResponse
		existing.WebResponse = result.WebResponse
		existing.Analysed = nil
		existing.ImageScore = nil
		existing.ResourceScore = nil
		existing.OverallScore = nil

		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("updating result: %w", err)
		}
	}

	*result = existing

	saved := existing
	s.emit(ResultSaved{Old: &old, New: &saved})

	return nil
}

func (s *store) GetResult(
	ctx context.Context, id uint,
) (*InstanceRunResult, error) {
	var result InstanceRunResult
	if err := s.db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, translateErr(err, "getting result")
	}

	return &result, nil
}

func (s *store) GetResultForUpdate(
	ctx context.Context, id uint,
) (*InstanceRunResult, error) {
	var result InstanceRunResult
	if err := s.forUpdate(s.db.WithContext(ctx)).
		First(&result, id).Error; err != nil {
		return nil, translateErr(err, "getting result for update")
	}

	return &result, nil
}

func (s *store) SaveResult(
	ctx context.Context, result *InstanceRunResult,
) error {
	old, err := s.GetResult(ctx, result.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := s.db.WithContext(ctx).Save(result).Error; err != nil {
		return fmt.Errorf("saving result: %w", err)
	}

	saved := *result
	s.emit(ResultSaved{Old: old, New: &saved})

	return nil
}

func (s *store) ListResults(
	ctx context.Context, instanceRunID uint,
) ([]InstanceRunResult, error) {
	var results []InstanceRunResult
	if err := s.db.WithContext(ctx).
		Where("instance_run_id = ?", instanceRunID).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

// ListBaselineResults returns the dual-stack results of an instance
// run, in child-ID order. These are the analysis ground truth.
func (s *store) ListBaselineResults(
	ctx context.Context, instanceRunID uint,
) ([]InstanceRunResult, error) {
	var results []InstanceRunResult
	if err := s.db.WithContext(ctx).
		Joins("JOIN marvins ON marvins.id = instance_run_results.marvin_id").
		Where("instance_run_results.instance_run_id = ? AND marvins.instance_type = ?",
			instanceRunID, InstanceTypeDualStack).
		Order("instance_run_results.id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing baseline results: %w", err)
	}

	return results, nil
}

// ListTestRunResultScores returns the scores of every result across a
// test run's instance runs, tagged with the Marvin's instance type.
func (s *store) ListTestRunResultScores(
	ctx context.Context, testRunID uint,
) ([]TypedScores, error) {
	var rows []TypedScores
	if err := s.db.WithContext(ctx).
		Model(&InstanceRunResult{}).
		Select("marvins.instance_type, instance_run_results.image_score, " +
			"instance_run_results.resource_score, instance_run_results.overall_score").
		Joins("JOIN marvins ON marvins.id = instance_run_results.marvin_id").
		Joins("JOIN instance_runs ON instance_runs.id = instance_run_results.instance_run_id").
		Where("instance_runs.test_run_id = ?", testRunID).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing test run result scores: %w", err)
	}

	return rows, nil
}
