package database

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dockerdetective/dockerdetective/internal/config"
	"github.com/dockerdetective/dockerdetective/internal/models"
)

func sqliteTestConfig(t *testing.T) *config.Config {
	t.Helper()
	var cfg config.Config
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Logging.Level = "error"
	return &cfg
}

func TestFactoryCreate_Sqlite(t *testing.T) {
	factory := NewFactory()
	db, err := factory.Create(sqliteTestConfig(t), logrus.New())
	require.NoError(t, err)
	assert.NotNil(t, db)
}

func TestFactoryCreate_UnsupportedType(t *testing.T) {
	var cfg config.Config
	cfg.Database.Type = "oracle"

	factory := NewFactory()
	_, err := factory.Create(&cfg, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestInitDatabase_Sqlite(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	db, err := InitDatabase(sqliteTestConfig(t), logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping())

	// The connection supports migration and transactional writes
	require.NoError(t, db.Migrate(models.AllModels()...))

	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&models.Image{
			ImageName:      "library/alpine",
			DownloadStatus: models.StatusPending,
		}).Error
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.DB().Model(&models.Image{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
