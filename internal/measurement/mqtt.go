package measurement

import (
	"context"
	"time"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/infrastructure/mqtt"
)

// defaultMessageTimeout bounds the storage work for one MQTT message.
const defaultMessageTimeout = 10 * time.Second

// Subscriber is the subset of the MQTT client the ingestion subscriber uses.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTIngest feeds box data topics into the Ingestor.
type MQTTIngest struct {
	client   Subscriber
	ingestor *Ingestor
	topics   mqtt.Topics
	qos      byte
	jsonPath string
	timeout  time.Duration
	logger   Logger
}

// NewMQTTIngest creates an MQTT ingestion subscriber.
func NewMQTTIngest(client Subscriber, ingestor *Ingestor, topics mqtt.Topics, qos byte, jsonPath string) *MQTTIngest {
	return &MQTTIngest{
		client:   client,
		ingestor: ingestor,
		topics:   topics,
		qos:      qos,
		jsonPath: jsonPath,
		timeout:  defaultMessageTimeout,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger.
func (s *MQTTIngest) SetLogger(logger Logger) {
	s.logger = logger
}

// Start subscribes to every box data topic.
func (s *MQTTIngest) Start() error {
	return s.client.Subscribe(s.topics.AllBoxData(), s.qos, s.Handle)
}

// Stop removes the subscription.
func (s *MQTTIngest) Stop() error {
	return s.client.Unsubscribe(s.topics.AllBoxData())
}

// Handle processes one message. Bad payloads are logged and counted,
// never returned as fatal.
func (s *MQTTIngest) Handle(topic string, payload []byte) error {
	boxID, ok := s.topics.BoxIDFromDataTopic(topic)
	if !ok {
		s.logger.Warn("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	samples, err := DecodePayload(payload, s.jsonPath)
	if err != nil {
		s.ingestor.rejected(TransportMQTT, err)
		s.logger.Warn("invalid mqtt measurement payload", "box_id", boxID, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.ingestor.SubmitBatchVia(ctx, TransportMQTT, boxID, samples)
	if err != nil {
		s.logger.Warn("mqtt batch rejected", "box_id", boxID, "kind", apperr.KindOf(err), "error", err)
		return nil
	}
	if report.Rejected > 0 {
		s.logger.Info("mqtt batch partially rejected", "box_id", boxID,
			"accepted", report.Accepted, "rejected", report.Rejected)
	}
	return nil
}
