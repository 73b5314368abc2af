package source

import (
	"fmt"

	goavro "github.com/linkedin/goavro/v2"

	"github.com/meridiandb/meridian"
)

// ValidateFormat checks the format half of a source configuration. Avro
// schemas are compiled here so a bad schema fails the create statement,
// not the first record. The structural checks (schema present, format
// known) live on SourceConfig.Validate; this covers what needs the avro
// library.
func ValidateFormat(cfg *meridian.SourceConfig) error {
	if cfg.Format != meridian.FormatAvro {
		return nil
	}
	if _, err := goavro.NewCodec(cfg.AvroSchema); err != nil {
		return meridian.NewErrInvalidConnector(cfg.Connector, fmt.Sprintf("avro schema does not compile: %v", err))
	}
	return nil
}
