package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/flagx"
	"github.com/dmitrijs2005/mailarchiver/internal/timex"
)

// JsonConfig is the on-disk form of Config. Pointer fields distinguish an
// absent key from a zero value, so a partial file only overrides what it
// names.
type JsonConfig struct {
	DatabaseDSN          *string         `json:"database_dsn"`
	AMQPURL              *string         `json:"amqp_url"`
	LogLevel             *string         `json:"log_level"`
	LogFormat            *string         `json:"log_format"`
	EnableDeletion       *bool           `json:"enable_deletion"`
	StorageType          *string         `json:"storage_type"`
	StorageFolder        *string         `json:"storage_folder"`
	StorageEncryptionKey *string         `json:"storage_encryption_key"`
	LocalRootPath        *string         `json:"storage_local_root_path"`
	S3Endpoint           *string         `json:"storage_s3_endpoint"`
	S3Bucket             *string         `json:"storage_s3_bucket"`
	S3AccessKeyID        *string         `json:"storage_s3_access_key_id"`
	S3SecretAccessKey    *string         `json:"storage_s3_secret_access_key"`
	S3Region             *string         `json:"storage_s3_region"`
	S3ForcePathStyle     *bool           `json:"storage_s3_force_path_style"`
	QueueWorkers         *int            `json:"queue_workers"`
	QueueMaxAttempts     *int            `json:"queue_max_attempts"`
	ShutdownTimeout      *timex.Duration `json:"shutdown_timeout"`
}

// parseJSON loads the file named by -c/-config (or $ARCHIVER_CONFIG) into
// config. Without a file name it does nothing.
func parseJSON(config *Config, args []string) error {
	path := flagx.ConfigFile(args)
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file: %v", common.ErrInvalidConfig, err)
	}
	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("%w: parse config file %s: %v", common.ErrInvalidConfig, path, err)
	}

	set(&config.DatabaseDSN, c.DatabaseDSN)
	set(&config.AMQPURL, c.AMQPURL)
	set(&config.LogLevel, c.LogLevel)
	set(&config.LogFormat, c.LogFormat)
	set(&config.EnableDeletion, c.EnableDeletion)
	set(&config.StorageType, c.StorageType)
	set(&config.StorageFolder, c.StorageFolder)
	set(&config.StorageEncryptionKey, c.StorageEncryptionKey)
	set(&config.LocalRootPath, c.LocalRootPath)
	set(&config.S3Endpoint, c.S3Endpoint)
	set(&config.S3Bucket, c.S3Bucket)
	set(&config.S3AccessKeyID, c.S3AccessKeyID)
	set(&config.S3SecretAccessKey, c.S3SecretAccessKey)
	set(&config.S3Region, c.S3Region)
	set(&config.S3ForcePathStyle, c.S3ForcePathStyle)
	set(&config.QueueWorkers, c.QueueWorkers)
	set(&config.QueueMaxAttempts, c.QueueMaxAttempts)
	if c.ShutdownTimeout != nil {
		config.ShutdownTimeout = c.ShutdownTimeout.Duration
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
