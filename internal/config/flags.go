package config

import (
	"flag"
	"fmt"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/flagx"
)

// parseFlags overlays the short flags found in args.
//
//	-d string   PostgreSQL DSN
//	-q string   AMQP URL
//	-l string   log level (debug|info|warn|error)
//	-s string   storage type (local|s3)
//	-r string   local storage root path
//	-k string   storage encryption key (64 hex characters)
//	-w int      queue workers
func parseFlags(config *Config, args []string) error {
	filtered := flagx.FilterArgs(args, []string{"-d", "-q", "-l", "-s", "-r", "-k", "-w"})

	fs := flag.NewFlagSet("archiver", flag.ContinueOnError)
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.AMQPURL, "q", config.AMQPURL, "AMQP URL")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.StorageType, "s", config.StorageType, "storage type")
	fs.StringVar(&config.LocalRootPath, "r", config.LocalRootPath, "local storage root path")
	fs.StringVar(&config.StorageEncryptionKey, "k", config.StorageEncryptionKey, "storage encryption key")
	fs.IntVar(&config.QueueWorkers, "w", config.QueueWorkers, "queue workers")

	if err := fs.Parse(filtered); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	return nil
}
