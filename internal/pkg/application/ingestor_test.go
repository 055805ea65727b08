package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/application/telemetry"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const examplePayload = `{"AI01Avg":290,"DeviceId":"RTK_000002","Type":"TEMP","timestamp":1594101598151}`

func TestThatIngestRecordsDeviceSensorAndSample(t *testing.T) {
	db := newDatabaseForTest(t)
	ingestor := NewIngestor(db, logging.NewLogger(), nil)
	ctx := context.Background()

	ack, err := ingestor.Ingest(ctx, decodeForTest(t, examplePayload))
	require.NoError(t, err)

	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, "RTK_000002", ack.Device.Code)
	assert.Equal(t, "TEMP", ack.Device.Type)
	assert.Empty(t, ack.Errors)
	require.Len(t, ack.Samples, 1)
	assert.True(t, ack.Samples[0].Created)

	device, err := db.GetDeviceFromCode(ctx, "RTK_000002")
	require.NoError(t, err)
	require.Len(t, device.Sensors, 1)
	assert.Equal(t, "AI01Avg", device.Sensors[0].Code)
	assert.Equal(t, "RTK_000002/AI01Avg", device.Sensors[0].Name)

	samples, err := db.GetSamples(ctx, device.Sensors[0].ID, database.SampleQuery{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 290.0, samples[0].Value)
	assert.Equal(t, int64(1594101598151), samples[0].Timestamp)
}

func TestThatReplayedMessageLeavesRowCountsUnchanged(t *testing.T) {
	db := newDatabaseForTest(t)
	ingestor := NewIngestor(db, logging.NewLogger(), nil)
	ctx := context.Background()

	first, err := ingestor.Ingest(ctx, decodeForTest(t, examplePayload))
	require.NoError(t, err)
	second, err := ingestor.Ingest(ctx, decodeForTest(t, examplePayload))
	require.NoError(t, err)

	assert.Equal(t, first.Device.ID, second.Device.ID)
	assert.Equal(t, first.Samples[0].SampleID, second.Samples[0].SampleID)
	assert.False(t, second.Samples[0].Created)

	assertRowCounts(t, db, 1, 1, 1)
}

func TestThatMalformedReadingIsReportedAndOthersRecorded(t *testing.T) {
	db := newDatabaseForTest(t)
	ingestor := NewIngestor(db, logging.NewLogger(), nil)

	payload := `{"AI01Avg":290,"AI02Avg":"n/a","DeviceId":"RTK_000002","Type":"TEMP","timestamp":1594101598151}`

	ack, err := ingestor.Ingest(context.Background(), decodeForTest(t, payload))
	require.NoError(t, err)

	require.Len(t, ack.Samples, 1)
	assert.Equal(t, "AI01Avg", ack.Samples[0].SensorCode)
	require.Len(t, ack.Errors, 1)
	assert.Equal(t, "AI02Avg", ack.Errors[0].Reading)

	assertRowCounts(t, db, 1, 1, 1)
}

func TestThatStorageFailureForOneReadingIsContained(t *testing.T) {
	db := &faultyDB{
		Datastore: newDatabaseForTest(t),
		failOn:    "AI02Avg",
		err:       errors.New("value out of range"),
	}
	ingestor := NewIngestor(db, logging.NewLogger(), nil)

	payload := `{"AI01Avg":290,"AI02Avg":291,"DeviceId":"RTK_000002","Type":"WTANK","timestamp":1594101598151}`

	ack, err := ingestor.Ingest(context.Background(), decodeForTest(t, payload))
	require.NoError(t, err)

	require.Len(t, ack.Samples, 1)
	assert.Equal(t, "AI01Avg", ack.Samples[0].SensorCode)
	require.Len(t, ack.Errors, 1)
	assert.Equal(t, "AI02Avg", ack.Errors[0].Reading)
	assert.Contains(t, ack.Errors[0].Reason, "value out of range")

	assertRowCounts(t, db.Datastore, 1, 1, 1)
}

func TestThatUnavailableStorageFailsTheMessage(t *testing.T) {
	db := &faultyDB{
		Datastore: newDatabaseForTest(t),
		failOn:    "AI01Avg",
		err:       fmt.Errorf("connection lost: %w", database.ErrStorageUnavailable),
	}
	ingestor := NewIngestor(db, logging.NewLogger(), nil)

	_, err := ingestor.Ingest(context.Background(), decodeForTest(t, examplePayload))
	assert.True(t, errors.Is(err, database.ErrStorageUnavailable))
}

func TestThatOtherDeviceTypesAreRegisteredWithoutReadings(t *testing.T) {
	db := newDatabaseForTest(t)
	ingestor := NewIngestor(db, logging.NewLogger(), nil)

	payload := `{"AI01Avg":290,"DeviceId":"GW_000001","Type":"GATEWAY","timestamp":1594101598151}`

	ack, err := ingestor.Ingest(context.Background(), decodeForTest(t, payload))
	require.NoError(t, err)

	assert.Empty(t, ack.Samples)
	assertRowCounts(t, db, 1, 0, 0)
}

func TestThatConcurrentMessagesFromUnseenDeviceCreateOneDevice(t *testing.T) {
	db := newDatabaseForTest(t)
	ingestor := NewIngestor(db, logging.NewLogger(), nil)

	const requests = 20
	errs := make([]error, requests)
	messages := make([]*telemetry.Message, requests)

	for i := 0; i < requests; i++ {
		payload := fmt.Sprintf(`{"AI01Avg":%d,"DeviceId":"RTK_000099","Type":"TEMP","timestamp":1594101598151}`, 280+i%2)
		messages[i] = decodeForTest(t, payload)
	}

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ingestor.Ingest(context.Background(), messages[i])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assertRowCounts(t, db, 1, 1, 2)
}

func TestThatNewTemperatureSamplesArePublished(t *testing.T) {
	db := newDatabaseForTest(t)
	m := &msgMock{}
	ingestor := NewIngestor(db, logging.NewLogger(), m)

	ingestor.Ingest(context.Background(), decodeForTest(t, examplePayload))
	ingestor.Ingest(context.Background(), decodeForTest(t, examplePayload))

	if m.PublishCount != 1 {
		t.Error("Wrong publish count: ", m.PublishCount, "!=", 1)
	}

	ingestor.Ingest(context.Background(), decodeForTest(t, strings.Replace(examplePayload, `"TEMP"`, `"WTANK"`, 1)))

	if m.PublishCount != 1 {
		t.Error("Water tank samples should not be published, but publish count is ", m.PublishCount)
	}
}

func TestThatFailingPublishDoesNotFailIngestion(t *testing.T) {
	db := newDatabaseForTest(t)
	m := &msgMock{err: errors.New("broker gone")}
	ingestor := NewIngestor(db, logging.NewLogger(), m)

	ack, err := ingestor.Ingest(context.Background(), decodeForTest(t, examplePayload))
	require.NoError(t, err)
	assert.Len(t, ack.Samples, 1)
}

func decodeForTest(t *testing.T, payload string) *telemetry.Message {
	msg, err := telemetry.DecodeJSON(strings.NewReader(payload))
	require.NoError(t, err)
	return msg
}

func assertRowCounts(t *testing.T, db database.Datastore, devices, sensors, samples int) {
	ctx := context.Background()

	allDevices, err := db.GetDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, allDevices, devices, "device count")

	sensorCount, sampleCount := 0, 0

	for _, d := range allDevices {
		device, err := db.GetDeviceFromCode(ctx, d.Code)
		require.NoError(t, err)
		sensorCount += len(device.Sensors)

		for _, sensor := range device.Sensors {
			found, err := db.GetSamples(ctx, sensor.ID, database.SampleQuery{})
			require.NoError(t, err)
			sampleCount += len(found)
		}
	}

	assert.Equal(t, sensors, sensorCount, "sensor count")
	assert.Equal(t, samples, sampleCount, "sample count")
}

//faultyDB fails ResolveSensor for one sensor code, also inside transactions
type faultyDB struct {
	database.Datastore
	failOn string
	err    error
}

func (f *faultyDB) ResolveSensor(ctx context.Context, code string, device *models.Device) (*models.Sensor, error) {
	if code == f.failOn {
		return nil, f.err
	}
	return f.Datastore.ResolveSensor(ctx, code, device)
}

func (f *faultyDB) Transaction(ctx context.Context, fn func(tx database.Datastore) error) error {
	return f.Datastore.Transaction(ctx, func(tx database.Datastore) error {
		return fn(&faultyDB{Datastore: tx, failOn: f.failOn, err: f.err})
	})
}
