package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wcalenie/replicate-to-s3/internal/pipeline"
	"github.com/wcalenie/replicate-to-s3/internal/replconn"
	"github.com/wcalenie/replicate-to-s3/internal/sink"
)

// logger gets its real configuration in PersistentPreRunE; the default here
// keeps errors visible when flag parsing fails before that hook runs.
var (
	logger    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	logLevel  string
	logFormat string

	s3Username, s3Password, s3BaseURL, s3Region, s3Bucket string
	dbHost, dbUser, dbPassword, dbName, dbSlot, pubName   string
	dbPort                                                uint16
)

var rootCmd = &cobra.Command{
	Use:   "replicate-to-s3",
	Short: "Stream a Postgres logical replication publication into an S3-compatible bucket",
	Long: `replicate-to-s3 holds a logical replication slot open against a source
database, takes a consistent initial snapshot of every table in the given
publication, and then streams subsequent INSERT/UPDATE/DELETE events as
chunked objects in an S3-compatible bucket. Resumption after a restart is
derived entirely from the bucket's contents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var logOutput io.Writer = os.Stdout
		if logFormat != "json" {
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger = logger.Level(level)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		store := sink.NewS3Store(sink.S3Config{
			Username:   s3Username,
			Password:   s3Password,
			BaseURL:    s3BaseURL,
			Region:     s3Region,
			BucketName: s3Bucket,
		})

		cfg := pipeline.Config{
			Store: store,
			DB: replconn.Config{
				Host:     dbHost,
				Port:     dbPort,
				Database: dbName,
				User:     dbUser,
				Password: dbPassword,
				SlotName: dbSlot,
			},
			Pub: pubName,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err := pipeline.Run(ctx, cfg, logger)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			logger.Info().Msg("shutdown requested, stream terminated gracefully")
			return nil
		}
		return err
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	f.StringVar(&s3Username, "s3-username", "", "S3 access key")
	f.StringVar(&s3Password, "s3-password", "", "S3 secret key")
	f.StringVar(&s3BaseURL, "s3-base-url", "", "S3-compatible endpoint URL (path-style addressing)")
	f.StringVar(&s3Region, "s3-region", "", "S3 region")
	f.StringVar(&s3Bucket, "s3-bucket-name", "", "target bucket (must already exist)")

	f.StringVar(&dbHost, "db-host", "", "source database host")
	f.Uint16Var(&dbPort, "db-port", 5432, "source database port")
	f.StringVar(&dbName, "db-name", "", "source database name")
	f.StringVar(&dbUser, "db-username", "", "source database user")
	f.StringVar(&dbPassword, "db-password", "", "source database password")
	f.StringVar(&dbSlot, "db-slot-name", "", "replication slot name (created on first run, reused on resume)")

	f.StringVar(&pubName, "publication-name", "", "publication naming the table set to replicate")

	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	for _, name := range []string{
		"s3-username", "s3-password", "s3-base-url", "s3-region", "s3-bucket-name",
		"db-host", "db-name", "db-username", "db-slot-name", "publication-name",
	} {
		_ = rootCmd.MarkPersistentFlagRequired(name)
	}
}
