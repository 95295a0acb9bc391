package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/config"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MaxRecentResults bounds the rolling window of final-attempt results
// used for health computation.
const MaxRecentResults = 50

// Store provides persistence for tests, runs, results and the derived
// verdict-engine data.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Tests.
	ResolveTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, id uint) (*Test, error)
	FindTest(ctx context.Context, repository, filePath, title, project string) (*Test, error)
	ListTests(ctx context.Context, repository string) ([]Test, error)
	UpdateTestTags(ctx context.Context, id uint, tags []string) error
	RemoveTest(ctx context.Context, id uint) error

	// Runs.
	ResolveRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)

	// Results.
	InsertResult(ctx context.Context, r *TestResult) error
	RecentFinalResults(ctx context.Context, testID uint, limit int) ([]TestResult, error)
	UnexpectedFinalFailures(ctx context.Context, runID uint) ([]TestResult, error)

	// Health snapshots.
	GetHealth(ctx context.Context, testID uint) (*TestHealth, error)
	UpsertHealth(ctx context.Context, h *TestHealth) error

	// Error signatures.
	GetSignature(ctx context.Context, testID uint, errorHash string) (*ErrorSignature, error)
	RecordSignatureOccurrence(ctx context.Context, testID uint, errorHash string, seenAt time.Time) error
	MarkSignaturesPassed(ctx context.Context, testID uint, seenAfter time.Time) error

	// Skip rules.
	ActiveSkipRules(ctx context.Context, testID uint) ([]SkipRule, error)
	CreateSkipRule(ctx context.Context, r *SkipRule) error
	DisableSkipRules(ctx context.Context, testID uint) error

	// Prompt templates.
	GetPromptTemplate(ctx context.Context, name string) (*PromptTemplate, error)
	SavePromptTemplate(ctx context.Context, name, content string) (*PromptTemplate, error)

	// Users.
	SeedUsers(ctx context.Context, users []config.BasicAuthUser) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Retention.
	PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// New creates a new Store backed by the configured database driver.
func New(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
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
		&Test{},
		&Run{},
		&TestResult{},
		&TestHealth{},
		&ErrorSignature{},
		&SkipRule{},
		&PromptTemplate{},
		&User{},
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

// --- Tests ---

// ResolveTest finds the test matching t's identity, creating it on first
// sight and restoring it if it was soft-deleted. On return t carries the
// persisted row.
func (s *store) ResolveTest(ctx context.Context, t *Test) error {
	var existing Test

	err := s.db.WithContext(ctx).
		Where("repository = ? AND file_path = ? AND title = ? AND project = ?",
			t.Repository, t.FilePath, t.Title, t.Project).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
			return fmt.Errorf("creating test: %w", err)
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("resolving test: %w", err)
	}

	// A result for a removed test restores it.
	if existing.RemovedAt != nil {
		if err := s.db.WithContext(ctx).Model(&existing).
			Update("removed_at", nil).Error; err != nil {
			return fmt.Errorf("restoring test: %w", err)
		}

		existing.RemovedAt = nil
	}

	*t = existing

	return nil
}

func (s *store) GetTest(ctx context.Context, id uint) (*Test, error) {
	var t Test
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting test: %w", err)
	}

	return &t, nil
}

func (s *store) FindTest(
	ctx context.Context, repository, filePath, title, project string,
) (*Test, error) {
	var t Test

	err := s.db.WithContext(ctx).
		Where("repository = ? AND file_path = ? AND title = ? AND project = ?",
			repository, filePath, title, project).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("finding test: %w", err)
	}

	return &t, nil
}

// ListTests returns all non-removed tests for a repository.
func (s *store) ListTests(ctx context.Context, repository string) ([]Test, error) {
	var tests []Test

	err := s.db.WithContext(ctx).
		Where("repository = ? AND removed_at IS NULL", repository).
		Order("file_path, title").
		Find(&tests).Error
	if err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	return tests, nil
}

func (s *store) UpdateTestTags(ctx context.Context, id uint, tags []string) error {
	t := Test{}
	if err := t.SetTags(tags); err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&Test{}).
		Where("id = ?", id).
		Update("tags_json", t.TagsJSON)
	if res.Error != nil {
		return fmt.Errorf("updating tags: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveTest soft-deletes a test; its history is retained and the test
// is restored automatically if a new result is observed.
func (s *store) RemoveTest(ctx context.Context, id uint) error {
	now := time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&Test{}).
		Where("id = ? AND removed_at IS NULL", id).
		Update("removed_at", now)
	if res.Error != nil {
		return fmt.Errorf("removing test: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// --- Runs ---

// ResolveRun finds or creates the run identified by r.RunID.
func (s *store) ResolveRun(ctx context.Context, r *Run) error {
	var existing Run

	err := s.db.WithContext(ctx).
		Where("run_id = ?", r.RunID).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("resolving run: %w", err)
	}

	*r = existing

	return nil
}

func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run

	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &r, nil
}

// --- Results ---

func (s *store) InsertResult(ctx context.Context, r *TestResult) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}

	return nil
}

// RecentFinalResults returns the newest final-attempt results for a test,
// newest first, bounded by limit (and MaxRecentResults).
func (s *store) RecentFinalResults(
	ctx context.Context, testID uint, limit int,
) ([]TestResult, error) {
	if limit <= 0 || limit > MaxRecentResults {
		limit = MaxRecentResults
	}

	var results []TestResult

	err := s.db.WithContext(ctx).
		Where("test_id = ? AND is_final_attempt = ?", testID, true).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("loading recent results: %w", err)
	}

	return results, nil
}

// UnexpectedFinalFailures returns the final-attempt results of a run that
// failed unexpectedly (the inputs to pipeline-level verdict aggregation).
func (s *store) UnexpectedFinalFailures(
	ctx context.Context, runID uint,
) ([]TestResult, error) {
	var results []TestResult

	err := s.db.WithContext(ctx).
		Where("run_id = ? AND is_final_attempt = ? AND outcome = ?",
			runID, true, OutcomeUnexpected).
		Order("started_at, id").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("loading run failures: %w", err)
	}

	return results, nil
}

// --- Health snapshots ---

func (s *store) GetHealth(ctx context.Context, testID uint) (*TestHealth, error) {
	var h TestHealth

	err := s.db.WithContext(ctx).Where("test_id = ?", testID).First(&h).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting health: %w", err)
	}

	return &h, nil
}

// UpsertHealth writes the snapshot for h.TestID, overwriting any previous
// one. Concurrent writers race benignly; last write wins.
func (s *store) UpsertHealth(ctx context.Context, h *TestHealth) error {
	h.UpdatedAt = time.Now().UTC()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "test_id"}},
		UpdateAll: true,
	}).Create(h).Error
	if err != nil {
		return fmt.Errorf("upserting health: %w", err)
	}

	return nil
}

// --- Error signatures ---

func (s *store) GetSignature(
	ctx context.Context, testID uint, errorHash string,
) (*ErrorSignature, error) {
	var sig ErrorSignature

	err := s.db.WithContext(ctx).
		Where("test_id = ? AND error_hash = ?", testID, errorHash).
		First(&sig).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting signature: %w", err)
	}

	return &sig, nil
}

// RecordSignatureOccurrence creates the signature row on first sight and
// increments its occurrence count on repeats.
func (s *store) RecordSignatureOccurrence(
	ctx context.Context, testID uint, errorHash string, seenAt time.Time,
) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "test_id"}, {Name: "error_hash"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"occurrence_count": gorm.Expr("occurrence_count + 1"),
			"last_seen_at":     seenAt,
		}),
	}).Create(&ErrorSignature{
		TestID:          testID,
		ErrorHash:       errorHash,
		OccurrenceCount: 1,
		FirstSeenAt:     seenAt,
		LastSeenAt:      seenAt,
	}).Error
	if err != nil {
		return fmt.Errorf("recording signature occurrence: %w", err)
	}

	return nil
}

// MarkSignaturesPassed increments the passed-after count of every
// signature of the test seen after the given time. Called when a test
// passes, with seenAfter set to its previous passing timestamp (zero when
// it never passed before).
func (s *store) MarkSignaturesPassed(
	ctx context.Context, testID uint, seenAfter time.Time,
) error {
	err := s.db.WithContext(ctx).Model(&ErrorSignature{}).
		Where("test_id = ? AND last_seen_at > ?", testID, seenAfter).
		Update("passed_after_count", gorm.Expr("passed_after_count + 1")).Error
	if err != nil {
		return fmt.Errorf("marking signatures passed: %w", err)
	}

	return nil
}

// --- Skip rules ---

// ActiveSkipRules returns the non-tombstoned rules for a test, newest
// first. The order is pinned so "first matching rule wins" evaluation is
// reproducible.
func (s *store) ActiveSkipRules(ctx context.Context, testID uint) ([]SkipRule, error) {
	var rules []SkipRule

	err := s.db.WithContext(ctx).
		Where("test_id = ? AND disabled_at IS NULL", testID).
		Order("created_at DESC, id DESC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("loading skip rules: %w", err)
	}

	return rules, nil
}

func (s *store) CreateSkipRule(ctx context.Context, r *SkipRule) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("creating skip rule: %w", err)
	}

	return nil
}

// DisableSkipRules tombstones all active rules for a test.
func (s *store) DisableSkipRules(ctx context.Context, testID uint) error {
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Model(&SkipRule{}).
		Where("test_id = ? AND disabled_at IS NULL", testID).
		Update("disabled_at", now).Error
	if err != nil {
		return fmt.Errorf("disabling skip rules: %w", err)
	}

	return nil
}

// --- Prompt templates ---

func (s *store) GetPromptTemplate(
	ctx context.Context, name string,
) (*PromptTemplate, error) {
	var tpl PromptTemplate

	err := s.db.WithContext(ctx).Where("name = ?", name).First(&tpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting prompt template: %w", err)
	}

	return &tpl, nil
}

// SavePromptTemplate creates or replaces the named template, bumping its
// version.
func (s *store) SavePromptTemplate(
	ctx context.Context, name, content string,
) (*PromptTemplate, error) {
	tpl := &PromptTemplate{
		Name:      name,
		Content:   content,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"content":    content,
			"version":    gorm.Expr("version + 1"),
			"updated_at": tpl.UpdatedAt,
		}),
	}).Create(tpl).Error
	if err != nil {
		return nil, fmt.Errorf("saving prompt template: %w", err)
	}

	return s.GetPromptTemplate(ctx, name)
}

// --- Users ---

// SeedUsers creates or updates basic auth users from configuration.
// Passwords are stored bcrypt-hashed.
func (s *store) SeedUsers(ctx context.Context, users []config.BasicAuthUser) error {
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		role := u.Role
		if role == "" {
			role = "user"
		}

		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "username"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"password_hash": string(hash),
				"role":          role,
				"updated_at":    time.Now().UTC(),
			}),
		}).Create(&User{
			Username:     u.Username,
			PasswordHash: string(hash),
			Role:         role,
		}).Error
		if err != nil {
			return fmt.Errorf("seeding user %q: %w", u.Username, err)
		}
	}

	return nil
}

func (s *store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User

	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting user: %w", err)
	}

	return &u, nil
}

// --- Retention ---

// PurgeRunsBefore deletes runs created before the cutoff along with their
// results. Tests, health snapshots, signatures and skip rules are kept.
func (s *store) PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var runIDs []uint

	err := s.db.WithContext(ctx).Model(&Run{}).
		Where("created_at < ?", cutoff).
		Pluck("id", &runIDs).Error
	if err != nil {
		return 0, fmt.Errorf("finding expired runs: %w", err)
	}

	if len(runIDs) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).
		Where("run_id IN ?", runIDs).
		Delete(&TestResult{}).Error; err != nil {
		return 0, fmt.Errorf("purging results: %w", err)
	}

	res := s.db.WithContext(ctx).Where("id IN ?", runIDs).Delete(&Run{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging runs: %w", res.Error)
	}

	return res.RowsAffected, nil
}
