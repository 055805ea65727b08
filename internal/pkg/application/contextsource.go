package application

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/application/telemetry"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/database"

	"github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/datamodels/fiware"
	ngsi "github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/ngsi-ld"
)

func createContextRegistry(log logging.Logger, db database.Datastore, ingestor *Ingestor) ngsi.ContextRegistry {
	contextRegistry := ngsi.NewContextRegistry()
	ctxSource := contextSource{db: db, log: log, ingestor: ingestor}
	contextRegistry.Register(&ctxSource)
	return contextRegistry
}

//contextSource exposes the registered devices as NGSI-LD Device entities. The value of
//a device is the latest reading of each of its sensors, e.g. "AI01Avg=290;AI02Avg=291".
type contextSource struct {
	db       database.Datastore
	log      logging.Logger
	ingestor *Ingestor
}

func (cs contextSource) ProvidesEntitiesWithMatchingID(entityID string) bool {
	return strings.HasPrefix(entityID, fiware.DeviceIDPrefix)
}

func (cs *contextSource) CreateEntity(typeName, entityID string, req ngsi.Request) error {
	errorMessage := fmt.Sprintf("creating entities of type %s is not supported, devices register by sending telemetry", typeName)
	cs.log.Errorf("%s", errorMessage)
	return errors.New(errorMessage)
}

func (cs *contextSource) GetEntities(query ngsi.Query, callback ngsi.QueryEntitiesCallback) error {
	if query == nil {
		return errors.New("GetEntities: query may not be nil")
	}

	ctx := context.Background()

	for _, typeName := range query.EntityTypes() {
		if typeName != "Device" {
			continue
		}

		devices, err := cs.db.GetDevices(ctx)
		if err != nil {
			return fmt.Errorf("unable to get devices: %w", err)
		}

		for _, device := range devices {
			value, err := cs.latestValue(ctx, device.Code)
			if err != nil {
				return err
			}

			if err = callback(fiware.NewDevice(fiware.DeviceIDPrefix+device.Code, value)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (cs *contextSource) latestValue(ctx context.Context, code string) (string, error) {
	device, err := cs.db.GetDeviceFromCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("unable to get device %s: %w", code, err)
	}

	readings := []string{}

	for _, sensor := range device.Sensors {
		sample, err := cs.db.GetLatestSample(ctx, sensor.ID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return "", err
		}

		readings = append(readings, sensor.Code+"="+strconv.FormatFloat(sample.Value, 'f', -1, 64))
	}

	return strings.Join(readings, ";"), nil
}

func (cs contextSource) ProvidesAttribute(attributeName string) bool {
	return attributeName == "value"
}

func (cs contextSource) ProvidesType(typeName string) bool {
	return typeName == "Device"
}

//UpdateEntityAttributes ingests a value patched onto a known device. The value uses the
//same "key=value;key=value" form that GetEntities returns and must carry a timestamp.
func (cs *contextSource) UpdateEntityAttributes(entityID string, req ngsi.Request) error {
	updateSource := &fiware.Device{}
	err := req.DecodeBodyInto(updateSource)
	if err != nil {
		cs.log.Errorf("Failed to decode PATCH body in UpdateEntityAttributes: %s", err.Error())
		return err
	}

	if updateSource.Value == nil {
		return errors.New("UpdateEntityAttributes: only the value attribute can be updated")
	}

	ctx := context.Background()
	code := strings.TrimPrefix(entityID, fiware.DeviceIDPrefix)

	device, err := cs.db.GetDeviceFromCode(ctx, code)
	if err != nil {
		return fmt.Errorf("unable to update %s: %w", entityID, err)
	}

	values, err := valuesFromAttribute(updateSource.Value.Value)
	if err != nil {
		return err
	}

	values[telemetry.FieldDeviceID] = device.Code
	values[telemetry.FieldType] = device.Type

	msg, err := telemetry.Decode(values)
	if err != nil {
		return err
	}

	_, err = cs.ingestor.Ingest(ctx, msg)
	return err
}

func valuesFromAttribute(value string) (map[string]interface{}, error) {
	decodedValue, err := url.QueryUnescape(value)
	if err != nil {
		return nil, fmt.Errorf("value %q is not url encoded: %w", value, err)
	}

	values := map[string]interface{}{}

	for _, v := range strings.Split(decodedValue, ";") {
		parts := strings.Split(v, "=")
		if len(parts) == 2 {
			values[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}

	return values, nil
}
