// Package source polls external systems for source watermarks.
//
// The execution engine consumes the actual records; this package only
// asks each external system how much committed data exists so the
// coordinator can advance the source's upper frontier. A watermark is a
// single non-negative integer that is monotonic in committed data: a
// kafka topic's summed last offsets, the result of a SQL watermark
// query, the key count under an s3 prefix.
package source

import (
	"context"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/logger"
)

// Reader reports the current watermark of one external system.
type Reader interface {
	// Watermark returns the external system's current position. It
	// must never go backwards for committed data; the poller drops
	// stale values anyway, but a regressing watermark means records
	// were lost upstream.
	Watermark(ctx context.Context) (uint64, error)

	Close() error
}

// NewReader builds the Reader for a source's connector configuration.
// The configuration must already have passed Validate and
// ValidateFormat.
func NewReader(cfg *meridian.SourceConfig, log logger.Logger) (Reader, error) {
	if log == nil {
		log = logger.NopLogger
	}
	switch cfg.Connector {
	case meridian.ConnectorKafka:
		return newKafkaReader(cfg.Kafka, log), nil
	case meridian.ConnectorSQLTable:
		return newSQLReader(cfg.SQL, log)
	case meridian.ConnectorS3:
		return newS3Reader(cfg.S3, log)
	default:
		return nil, meridian.NewErrInvalidConnector(cfg.Connector, "unknown connector")
	}
}
