package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/application/telemetry"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/models"
)

//PartialReadingError is a reading that was skipped while the rest of the message was processed
type PartialReadingError struct {
	SensorCode string
	Err        error
}

func (e *PartialReadingError) Error() string {
	return fmt.Sprintf("reading %s skipped: %s", e.SensorCode, e.Err.Error())
}

func (e *PartialReadingError) Unwrap() error {
	return e.Err
}

//DeviceAck identifies the device a message was recorded against
type DeviceAck struct {
	ID   uint   `json:"id"`
	Code string `json:"code"`
	Type string `json:"type"`
	Name string `json:"name"`
}

//SampleAck identifies a recorded reading
type SampleAck struct {
	SensorCode string  `json:"sensor_code"`
	SensorID   uint    `json:"sensor_id"`
	SampleID   uint    `json:"sample_id"`
	Value      float64 `json:"value"`
	Timestamp  int64   `json:"timestamp"`
	Created    bool    `json:"created"`
}

//ReadingFailure is the acknowledgement entry for a reading that was not recorded
type ReadingFailure struct {
	Reading string `json:"reading"`
	Reason  string `json:"reason"`
}

//Acknowledgement is the result of ingesting one message
type Acknowledgement struct {
	Status  string           `json:"status"`
	Device  DeviceAck        `json:"device"`
	Samples []SampleAck      `json:"samples"`
	Errors  []ReadingFailure `json:"errors"`
}

//Ingestor records telemetry messages in the datastore
type Ingestor struct {
	db        database.Datastore
	log       logging.Logger
	messenger MessagingContext
}

//NewIngestor creates an Ingestor. messenger may be nil, in which case no notifications are published.
func NewIngestor(db database.Datastore, log logging.Logger, messenger MessagingContext) *Ingestor {
	return &Ingestor{db: db, log: log, messenger: messenger}
}

//Ingest upserts the reporting device and records every reading in msg. Each reading is
//committed on its own, so a failing reading is reported in the acknowledgement while the
//others are still recorded. An error is only returned when the device could not be
//resolved or the datastore became unavailable.
func (i *Ingestor) Ingest(ctx context.Context, msg *telemetry.Message) (*Acknowledgement, error) {
	log := i.log.WithFields(logging.Fields{"device": msg.DeviceCode, "type": msg.DeviceType})

	if msg.Organisation != "" || msg.Site != "" {
		log.Debugf("Message from organisation %q at site %q", msg.Organisation, msg.Site)
	}

	var device *models.Device

	err := i.db.Transaction(ctx, func(tx database.Datastore) error {
		var err error
		device, err = tx.ResolveDevice(ctx, msg.DeviceCode, msg.DeviceType)
		return err
	})
	if err != nil {
		log.Errorf("Failed to resolve device: %s", err.Error())
		return nil, err
	}

	ack := &Acknowledgement{
		Status: "ok",
		Device: DeviceAck{
			ID:   device.ID,
			Code: device.Code,
			Type: device.Type,
			Name: device.Name,
		},
		Samples: []SampleAck{},
		Errors:  []ReadingFailure{},
	}

	for _, failure := range msg.Failures {
		log.Warnf("Skipping malformed reading %s: %s", failure.SensorCode, failure.Reason)
		ack.Errors = append(ack.Errors, ReadingFailure{Reading: failure.SensorCode, Reason: failure.Reason})
	}

	for _, reading := range msg.Readings {
		sample, err := i.record(ctx, device, reading, msg.Timestamp)
		if err != nil {
			if errors.Is(err, database.ErrStorageUnavailable) {
				log.Errorf("Aborting message at reading %s: %s", reading.SensorCode, err.Error())
				return nil, err
			}

			partial := &PartialReadingError{SensorCode: reading.SensorCode, Err: err}
			log.Warnf("%s", partial.Error())
			ack.Errors = append(ack.Errors, ReadingFailure{Reading: reading.SensorCode, Reason: err.Error()})
			continue
		}

		ack.Samples = append(ack.Samples, *sample)

		if sample.Created {
			i.notify(log, device, sample)
		}
	}

	log.Infof("Recorded %d of %d readings", len(ack.Samples), len(msg.Readings)+len(msg.Failures))

	return ack, nil
}

func (i *Ingestor) record(ctx context.Context, device *models.Device, reading telemetry.Reading, timestamp int64) (*SampleAck, error) {
	ack := &SampleAck{
		SensorCode: reading.SensorCode,
		Value:      reading.Value,
		Timestamp:  timestamp,
	}

	err := i.db.Transaction(ctx, func(tx database.Datastore) error {
		sensor, err := tx.ResolveSensor(ctx, reading.SensorCode, device)
		if err != nil {
			return err
		}

		sample, created, err := tx.RecordSample(ctx, sensor.ID, reading.Value, timestamp)
		if err != nil {
			return err
		}

		ack.SensorID = sensor.ID
		ack.SampleID = sample.ID
		ack.Created = created

		return nil
	})

	if err != nil {
		return nil, err
	}

	return ack, nil
}
