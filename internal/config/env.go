package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
)

// lookupEnv is a seam for tests.
var lookupEnv = os.LookupEnv

// loadDotEnv seeds the process environment from ./.env when present.
// Variables already set in the environment win.
var loadDotEnv = func() { _ = godotenv.Load() }

// parseEnv overlays environment variables on config.
//
// Storage and deletion settings use the names shared with the rest of the
// deployment (STORAGE_*, ENABLE_DELETION); archiver-only settings are
// prefixed with ARCHIVER_.
func parseEnv(config *Config) error {
	loadDotEnv()

	strs := map[string]*string{
		"ARCHIVER_DATABASE_DSN":        &config.DatabaseDSN,
		"ARCHIVER_AMQP_URL":            &config.AMQPURL,
		"ARCHIVER_LOG_LEVEL":           &config.LogLevel,
		"ARCHIVER_LOG_FORMAT":          &config.LogFormat,
		"STORAGE_TYPE":                 &config.StorageType,
		"STORAGE_FOLDER":               &config.StorageFolder,
		"STORAGE_ENCRYPTION_KEY":       &config.StorageEncryptionKey,
		"STORAGE_LOCAL_ROOT_PATH":      &config.LocalRootPath,
		"STORAGE_S3_ENDPOINT":          &config.S3Endpoint,
		"STORAGE_S3_BUCKET":            &config.S3Bucket,
		"STORAGE_S3_ACCESS_KEY_ID":     &config.S3AccessKeyID,
		"STORAGE_S3_SECRET_ACCESS_KEY": &config.S3SecretAccessKey,
		"STORAGE_S3_REGION":            &config.S3Region,
	}
	for name, dst := range strs {
		if v, ok := lookupEnv(name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"ENABLE_DELETION":             &config.EnableDeletion,
		"STORAGE_S3_FORCE_PATH_STYLE": &config.S3ForcePathStyle,
	}
	for name, dst := range bools {
		v, ok := lookupEnv(name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", common.ErrInvalidConfig, name, err)
		}
		*dst = b
	}

	ints := map[string]*int{
		"ARCHIVER_QUEUE_WORKERS":      &config.QueueWorkers,
		"ARCHIVER_QUEUE_MAX_ATTEMPTS": &config.QueueMaxAttempts,
	}
	for name, dst := range ints {
		v, ok := lookupEnv(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", common.ErrInvalidConfig, name, err)
		}
		*dst = n
	}
	return nil
}
