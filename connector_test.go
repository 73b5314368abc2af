package meridian_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridiandb/meridian"
)

func TestSourceConfigValidate(t *testing.T) {
	t.Run("kafka", func(t *testing.T) {
		cfg := &meridian.SourceConfig{
			Connector: meridian.ConnectorKafka,
			Format:    meridian.FormatJSON,
			Kafka: &meridian.KafkaConnector{
				Brokers: []string{"localhost:9092"},
				Topic:   "events",
			},
		}
		assert.NoError(t, cfg.Validate())

		cfg.Kafka.Topic = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("sql", func(t *testing.T) {
		cfg := &meridian.SourceConfig{
			Connector: meridian.ConnectorSQLTable,
			Format:    meridian.FormatJSON,
			SQL: &meridian.SQLConnector{
				Driver:         "postgres",
				DSN:            "postgres://localhost/orders",
				WatermarkQuery: "select coalesce(max(id), 0) from orders",
			},
		}
		assert.NoError(t, cfg.Validate())

		cfg.SQL.WatermarkQuery = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("s3", func(t *testing.T) {
		cfg := &meridian.SourceConfig{
			Connector: meridian.ConnectorS3,
			Format:    meridian.FormatRaw,
			S3:        &meridian.S3Connector{Bucket: "exports"},
		}
		assert.NoError(t, cfg.Validate())

		cfg.S3.Bucket = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("avro requires a schema", func(t *testing.T) {
		cfg := &meridian.SourceConfig{
			Connector: meridian.ConnectorKafka,
			Format:    meridian.FormatAvro,
			Kafka: &meridian.KafkaConnector{
				Brokers: []string{"localhost:9092"},
				Topic:   "events",
			},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown connector", func(t *testing.T) {
		cfg := &meridian.SourceConfig{Connector: "ftp"}
		assert.Error(t, cfg.Validate())
	})
}

func TestSinkConfigValidate(t *testing.T) {
	cfg := &meridian.SinkConfig{
		Connector: meridian.ConnectorKafka,
		Format:    meridian.FormatJSON,
		Kafka: &meridian.KafkaSinkConnector{
			Brokers: []string{"localhost:9092"},
			Topic:   "events-out",
		},
	}
	assert.NoError(t, cfg.Validate())

	// Only kafka sinks exist so far.
	cfg.Connector = meridian.ConnectorS3
	assert.Error(t, cfg.Validate())
}
