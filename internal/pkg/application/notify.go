package application

import (
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	msgtelemetry "github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging/telemetry"
)

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//notify publishes newly recorded temperature samples so that downstream services
//do not have to poll the database. Publishing is best effort.
func (i *Ingestor) notify(log logging.Logger, device *models.Device, sample *SampleAck) {
	if i.messenger == nil || device.Type != "TEMP" {
		return
	}

	err := i.messenger.PublishOnTopic(
		msgtelemetry.NewWaterTemperatureTelemetry(sample.Value, device.Code, 0.0, 0.0),
	)
	if err != nil {
		log.Errorf("Failed to publish sample %d from %s: %s", sample.SampleID, sample.SensorCode, err.Error())
	}
}
