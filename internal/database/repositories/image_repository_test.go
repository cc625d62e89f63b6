package repositories

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dockerdetective/dockerdetective/internal/models"
)

// setupTestDB opens an in-memory SQLite database with the full schema. A
// single connection keeps concurrent test access serialized.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func seedImage(t *testing.T, db *gorm.DB, name string, pullCount int64, status models.DownloadStatus) {
	t.Helper()
	img := models.Image{
		ImageName:      name,
		PullCount:      pullCount,
		DownloadStatus: status,
		Scanned:        status.IsTerminal(),
	}
	require.NoError(t, db.Create(&img).Error)
}

func TestClaimNext_PriorityOrder(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)
	ctx := context.Background()

	seedImage(t, db, "library/alpine", 500, models.StatusPending)
	seedImage(t, db, "library/nginx", 9000, models.StatusPending)
	seedImage(t, db, "library/redis", 500, models.StatusPending)

	// Highest pull count first, ties broken by name
	expected := []string{"library/nginx", "library/alpine", "library/redis"}
	for _, want := range expected {
		name, ok, err := repo.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, name)
	}

	// Queue is drained
	_, ok, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// All claimed rows are in_progress
	count, err := repo.CountByStatus(ctx, models.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestClaimNext_SkipsNonPending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)
	ctx := context.Background()

	seedImage(t, db, "library/busy", 9999, models.StatusInProgress)
	seedImage(t, db, "library/done", 8888, models.StatusSuccess)
	seedImage(t, db, "library/broken", 7777, models.StatusDownloadFailed)
	seedImage(t, db, "library/waiting", 1, models.StatusPending)

	name, ok, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "library/waiting", name)

	_, ok, err = repo.ClaimNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimNext_ConcurrentClaimers(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)
	ctx := context.Background()

	const pending = 3
	const claimers = 8

	seedImage(t, db, "library/alpine", 300, models.StatusPending)
	seedImage(t, db, "library/nginx", 200, models.StatusPending)
	seedImage(t, db, "library/redis", 100, models.StatusPending)

	var (
		mu      sync.Mutex
		claimed []string
		misses  int
		errs    []error
	)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, ok, err := repo.ClaimNext(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !ok {
				misses++
				return
			}
			claimed = append(claimed, name)
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, claimers-pending, misses)
	require.Len(t, claimed, pending)

	// No image is handed to two claimers
	seen := make(map[string]bool)
	for _, name := range claimed {
		assert.False(t, seen[name], "image %s claimed twice", name)
		seen[name] = true
	}

	count, err := repo.CountByStatus(ctx, models.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, int64(pending), count)
}

func TestClaimNext_Empty(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)

	name, ok, err := repo.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, name)
}

func TestClaimNext_PostgresSQL(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       sqlDB,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	repo := NewGormImageRepository(gormDB)
	ctx := context.Background()

	t.Run("Claimed", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"image_name"}).AddRow("library/nginx")
		mock.ExpectQuery(regexp.QuoteMeta(claimQueryPostgres)).WillReturnRows(rows)

		name, ok, err := repo.ClaimNext(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "library/nginx", name)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NothingPending", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"image_name"})
		mock.ExpectQuery(regexp.QuoteMeta(claimQueryPostgres)).WillReturnRows(rows)

		_, ok, err := repo.ClaimNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkTerminal(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)
	ctx := context.Background()

	seedImage(t, db, "library/alpine", 100, models.StatusPending)

	name, ok, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.MarkTerminal(ctx, name, models.StatusManifestUnknown))

	img, err := repo.FindByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, models.StatusManifestUnknown, img.DownloadStatus)
	assert.True(t, img.Scanned)
	require.NotNil(t, img.LastScanned)

	// A terminal image is never claimable again
	_, ok, err = repo.ClaimNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkTerminal_RejectsNonTerminal(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)

	seedImage(t, db, "library/alpine", 100, models.StatusPending)

	err := repo.MarkTerminal(context.Background(), "library/alpine", models.StatusInProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")
}

func TestMarkTerminal_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)

	err := repo.MarkTerminal(context.Background(), "library/ghost", models.StatusScanFailed)
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestFindByName_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)

	_, err := repo.FindByName(context.Background(), "library/ghost")
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestCountByStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGormImageRepository(db)
	ctx := context.Background()

	seedImage(t, db, "a", 1, models.StatusPending)
	seedImage(t, db, "b", 2, models.StatusPending)
	seedImage(t, db, "c", 3, models.StatusSuccess)

	pending, err := repo.CountByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	success, err := repo.CountByStatus(ctx, models.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), success)
}
