package source

import (
	"context"
	"net"
	"strconv"

	segmentio "github.com/segmentio/kafka-go"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
)

// kafkaReader reports a topic's watermark as the sum of the last offsets
// of all its partitions. Last offsets only grow, even under retention or
// compaction, so the sum is monotonic.
type kafkaReader struct {
	brokers []string
	topic   string

	logger logger.Logger
}

func newKafkaReader(cfg *meridian.KafkaConnector, log logger.Logger) *kafkaReader {
	return &kafkaReader{
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		logger:  log,
	}
}

func (r *kafkaReader) Watermark(ctx context.Context) (uint64, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(r.topic)
	if err != nil {
		return 0, errors.Wrapf(err, "reading partitions of topic %s", r.topic)
	}

	var total int64
	for _, p := range partitions {
		leader := net.JoinHostPort(p.Leader.Host, strconv.Itoa(p.Leader.Port))
		pconn, err := segmentio.DialLeader(ctx, "tcp", leader, r.topic, p.ID)
		if err != nil {
			return 0, errors.Wrapf(err, "dialing leader of partition %d", p.ID)
		}
		last, err := pconn.ReadLastOffset()
		pconn.Close()
		if err != nil {
			return 0, errors.Wrapf(err, "reading last offset of partition %d", p.ID)
		}
		total += last
	}
	return uint64(total), nil
}

// dial connects to the first reachable bootstrap broker.
func (r *kafkaReader) dial(ctx context.Context) (*segmentio.Conn, error) {
	var err error
	for _, broker := range r.brokers {
		var conn *segmentio.Conn
		conn, err = segmentio.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		r.logger.Debugf("broker %s unreachable: %v", broker, err)
	}
	return nil, errors.Wrapf(err, "dialing brokers %v", r.brokers)
}

func (r *kafkaReader) Close() error { return nil }
