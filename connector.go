package meridian

import (
	"time"
)

// ConnectorKind enumerates where a source reads from or a sink writes to.
type ConnectorKind string

const (
	ConnectorKafka    ConnectorKind = "kafka"
	ConnectorSQLTable ConnectorKind = "sqltable"
	ConnectorS3       ConnectorKind = "s3"
)

// FormatKind enumerates the encodings a source decodes or a sink emits.
type FormatKind string

const (
	FormatAvro FormatKind = "avro"
	FormatJSON FormatKind = "json"
	FormatRaw  FormatKind = "raw"
)

// SourceConfig is the connector half of a source object. The execution
// engine consumes the actual records; the coordinator only uses this to
// run the watermark poller that advances the source's upper.
type SourceConfig struct {
	Connector ConnectorKind `json:"connector"`
	Format    FormatKind    `json:"format"`

	// AvroSchema holds the writer schema when Format is avro. It is
	// validated at create time so a bad schema fails the DDL, not the
	// first record.
	AvroSchema string `json:"avroSchema,omitempty"`

	Kafka *KafkaConnector `json:"kafka,omitempty"`
	SQL   *SQLConnector   `json:"sql,omitempty"`
	S3    *S3Connector    `json:"s3,omitempty"`

	// TickInterval is how often the watermark poller asks the external
	// system for its latest position. Zero means the coordinator default.
	TickInterval time.Duration `json:"tickInterval,omitempty"`
}

// Validate checks that the connector and format configuration is
// self-consistent. Schema validation for avro happens separately so the
// goavro dependency stays out of the domain package.
func (c *SourceConfig) Validate() error {
	switch c.Connector {
	case ConnectorKafka:
		if c.Kafka == nil || len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return NewErrInvalidConnector(c.Connector, "kafka connector requires brokers and a topic")
		}
	case ConnectorSQLTable:
		if c.SQL == nil || c.SQL.Driver == "" || c.SQL.DSN == "" || c.SQL.WatermarkQuery == "" {
			return NewErrInvalidConnector(c.Connector, "sql connector requires a driver, a dsn, and a watermark query")
		}
	case ConnectorS3:
		if c.S3 == nil || c.S3.Bucket == "" {
			return NewErrInvalidConnector(c.Connector, "s3 connector requires a bucket")
		}
	default:
		return NewErrInvalidConnector(c.Connector, "unknown connector")
	}

	switch c.Format {
	case FormatAvro:
		if c.AvroSchema == "" {
			return NewErrInvalidConnector(c.Connector, "avro format requires a schema")
		}
	case FormatJSON, FormatRaw:
	default:
		return NewErrInvalidConnector(c.Connector, "unknown format")
	}

	return nil
}

// KafkaConnector reads a topic. StartOffset follows the kafka convention:
// -1 is the log tail, -2 the earliest retained offset.
type KafkaConnector struct {
	Brokers     []string `json:"brokers"`
	Topic       string   `json:"topic"`
	StartOffset int64    `json:"startOffset,omitempty"`
}

// SQLConnector polls a relational table through database/sql. The
// watermark query must return a single non-negative integer which is
// monotonic in committed data, typically max of a sequence column.
type SQLConnector struct {
	Driver         string `json:"driver"`
	DSN            string `json:"dsn"`
	WatermarkQuery string `json:"watermarkQuery"`
}

// S3Connector lists objects under a prefix. The watermark is the count of
// listed keys, which is monotonic while the bucket is append-only.
type S3Connector struct {
	Region string `json:"region,omitempty"`
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
}

// SinkConfig is the connector half of a sink object.
type SinkConfig struct {
	Connector ConnectorKind       `json:"connector"`
	Format    FormatKind          `json:"format"`
	Kafka     *KafkaSinkConnector `json:"kafka,omitempty"`
}

// KafkaSinkConnector writes a change stream to a topic.
type KafkaSinkConnector struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// Validate checks the sink connector configuration.
func (c *SinkConfig) Validate() error {
	switch c.Connector {
	case ConnectorKafka:
		if c.Kafka == nil || len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return NewErrInvalidConnector(c.Connector, "kafka sink requires brokers and a topic")
		}
	default:
		return NewErrInvalidConnector(c.Connector, "unknown sink connector")
	}

	switch c.Format {
	case FormatAvro, FormatJSON, FormatRaw:
	default:
		return NewErrInvalidConnector(c.Connector, "unknown format")
	}

	return nil
}
