package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
)

func TestValidateFormat(t *testing.T) {
	cfg := &meridian.SourceConfig{
		Connector:  meridian.ConnectorKafka,
		Format:     meridian.FormatAvro,
		AvroSchema: `{"type":"record","name":"click","fields":[{"name":"url","type":"string"},{"name":"at","type":"long"}]}`,
	}
	require.NoError(t, ValidateFormat(cfg))

	// A record without fields does not compile.
	cfg.AvroSchema = `{"type":"record","name":"click"}`
	err := ValidateFormat(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, meridian.ErrInvalidConnector))

	// Non-avro formats have nothing to compile.
	require.NoError(t, ValidateFormat(&meridian.SourceConfig{
		Connector: meridian.ConnectorKafka,
		Format:    meridian.FormatJSON,
	}))
}

func TestNewReaderUnknownConnector(t *testing.T) {
	_, err := NewReader(&meridian.SourceConfig{Connector: "carrier-pigeon"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, meridian.ErrInvalidConnector))
}
