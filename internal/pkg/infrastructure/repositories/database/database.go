package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

//Datastore is an interface that is used to inject the database into different handlers to improve testability
type Datastore interface {
	//ResolveDevice returns the device with the given code, creating it if it does not exist yet
	ResolveDevice(ctx context.Context, code, deviceType string) (*models.Device, error)
	//ResolveSensor returns the sensor with the given code on device, creating it if it does not exist yet
	ResolveSensor(ctx context.Context, code string, device *models.Device) (*models.Sensor, error)
	//RecordSample stores a sample unless an identical one already exists. The bool is true if a row was created.
	RecordSample(ctx context.Context, sensorID uint, value float64, timestamp int64) (*models.Sample, bool, error)

	//Transaction runs fn against a Datastore bound to a single database transaction
	Transaction(ctx context.Context, fn func(tx Datastore) error) error

	GetDevices(ctx context.Context) ([]models.Device, error)
	GetDeviceFromCode(ctx context.Context, code string) (*models.Device, error)
	GetSensorFromID(ctx context.Context, id uint) (*models.Sensor, error)
	GetSamples(ctx context.Context, sensorID uint, query SampleQuery) ([]models.Sample, error)
	//GetLatestSample returns the sample with the highest timestamp, or ErrNotFound
	GetLatestSample(ctx context.Context, sensorID uint) (*models.Sample, error)

	Ping(ctx context.Context) error
}

//SampleQuery narrows down the samples returned by GetSamples. Bounds are inclusive.
type SampleQuery struct {
	From  *int64
	To    *int64
	Limit int
}

//DefaultSampleLimit caps the number of samples returned when no limit is requested
const DefaultSampleLimit = 1000

type myDB struct {
	impl *gorm.DB
	log  logging.Logger
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewPostgreSQLConnector opens a connection to a postgresql database, retrying until it is reachable
func NewPostgreSQLConnector(cfg config.DatabaseConfig, log logging.Logger) ConnectorFunc {
	const attempts = 10

	return func() (*gorm.DB, error) {
		var err error

		for i := 1; i <= attempts; i++ {
			log.Infof("Connecting to database host %s ...", cfg.Host)

			var db *gorm.DB
			db, err = gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
				TranslateError: true,
				Logger:         logger.Default.LogMode(logger.Warn),
			})
			if err == nil {
				return db, nil
			}

			log.Errorf("Failed to connect to database (attempt %d of %d): %s", i, attempts, err.Error())
			time.Sleep(3 * time.Second)
		}

		return nil, fmt.Errorf("giving up connecting to %s: %w", cfg.Host, ErrStorageUnavailable)
	}
}

var sqliteDatabases uint64

//NewSQLiteConnector opens a connection to a new, empty, in-memory sqlite database
func NewSQLiteConnector() ConnectorFunc {
	return func() (*gorm.DB, error) {
		name := atomic.AddUint64(&sqliteDatabases, 1)
		dsn := fmt.Sprintf("file:telemetry%d?mode=memory&cache=shared&_fk=1", name)

		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}

		// sqlite does not do concurrent writers, so every request queues for the one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)

		db.Exec("PRAGMA foreign_keys = ON")

		return db, nil
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	if err = impl.AutoMigrate(models.All()...); err != nil {
		log.Errorf("Failed to migrate database schema: %s", err.Error())
		return nil, classify(err, "failed to migrate schema")
	}

	return newDatastore(impl, log), nil
}

func newDatastore(impl *gorm.DB, log logging.Logger) *myDB {
	return &myDB{impl: impl, log: log}
}

//ResolveDevice upserts the device keyed on code. Only type is refreshed on an existing row,
//the name set at creation is kept so that an administrative rename survives new messages.
func (db *myDB) ResolveDevice(ctx context.Context, code, deviceType string) (*models.Device, error) {
	device := &models.Device{
		Code: code,
		Type: deviceType,
		Name: code,
	}

	// The code is the only identity of a device, a device changing type is the same device
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "updated_at"}),
	}

	found := &models.Device{}
	_, err := db.createOrFind(ctx, device, onConflict, map[string]interface{}{"code": code}, found)
	if err != nil {
		return nil, classify(err, "failed to resolve device %s", code)
	}

	return found, nil
}

func (db *myDB) ResolveSensor(ctx context.Context, code string, device *models.Device) (*models.Sensor, error) {
	if device == nil || device.ID == 0 {
		return nil, fmt.Errorf("ResolveSensor requires a stored device")
	}

	sensor := &models.Sensor{
		Code:     code,
		DeviceID: device.ID,
		Name:     fmt.Sprintf("%s/%s", device.Name, code),
	}

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "code"}},
		DoNothing: true,
	}

	found := &models.Sensor{}
	created, err := db.createOrFind(ctx, sensor, onConflict, map[string]interface{}{"device_id": device.ID, "code": code}, found)
	if err != nil {
		return nil, classify(err, "failed to resolve sensor %s on device %s", code, device.Code)
	}

	if created {
		db.log.Infof("Registered sensor %s (%d) on device %s", found.Name, found.ID, device.Code)
	}

	return found, nil
}

func (db *myDB) RecordSample(ctx context.Context, sensorID uint, value float64, timestamp int64) (*models.Sample, bool, error) {
	sample := &models.Sample{
		SensorID:  sensorID,
		Timestamp: timestamp,
		Value:     value,
	}

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "sensor_id"}, {Name: "timestamp"}, {Name: "value"}},
		DoNothing: true,
	}

	match := map[string]interface{}{
		"sensor_id": sensorID,
		"timestamp": timestamp,
		"value":     value,
	}

	found := &models.Sample{}
	created, err := db.createOrFind(ctx, sample, onConflict, match, found)
	if err != nil {
		return nil, false, classify(err, "failed to record sample for sensor %d", sensorID)
	}

	return found, created, nil
}

//createOrFind inserts row unless it collides with an existing row on a unique key, and then
//loads whatever row holds that key into found. A concurrent writer that wins the race is
//read back the same way as a row that existed before. The unique keys span soft deleted
//rows too, so the lookup is unscoped.
func (db *myDB) createOrFind(ctx context.Context, row interface{}, onConflict clause.OnConflict, match map[string]interface{}, found interface{}) (bool, error) {
	result := db.impl.WithContext(ctx).Omit(clause.Associations).Clauses(onConflict).Create(row)
	if result.Error != nil && !isUniqueViolation(result.Error) {
		return false, result.Error
	}

	created := result.Error == nil && result.RowsAffected == 1

	if err := db.impl.WithContext(ctx).Unscoped().Where(match).First(found).Error; err != nil {
		return false, err
	}

	return created, nil
}

func (db *myDB) Transaction(ctx context.Context, fn func(tx Datastore) error) error {
	var fnErr error

	err := db.impl.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(newDatastore(tx, db.log))
		return fnErr
	})

	if fnErr != nil {
		return fnErr
	}

	return classify(err, "transaction failed")
}

func (db *myDB) GetDevices(ctx context.Context) ([]models.Device, error) {
	devices := []models.Device{}

	err := db.impl.WithContext(ctx).Order("code").Find(&devices).Error
	if err != nil {
		return nil, classify(err, "failed to list devices")
	}

	return devices, nil
}

func (db *myDB) GetDeviceFromCode(ctx context.Context, code string) (*models.Device, error) {
	device := &models.Device{}

	err := db.impl.WithContext(ctx).
		Preload("Organization").
		Preload("Sensors", func(tx *gorm.DB) *gorm.DB { return tx.Order("code") }).
		Where(map[string]interface{}{"code": code}).
		First(device).Error
	if err != nil {
		return nil, classify(err, "failed to get device %s", code)
	}

	return device, nil
}

func (db *myDB) GetSensorFromID(ctx context.Context, id uint) (*models.Sensor, error) {
	sensor := &models.Sensor{}

	err := db.impl.WithContext(ctx).First(sensor, id).Error
	if err != nil {
		return nil, classify(err, "failed to get sensor %d", id)
	}

	return sensor, nil
}

func (db *myDB) GetSamples(ctx context.Context, sensorID uint, query SampleQuery) ([]models.Sample, error) {
	timestamp := clause.Column{Name: "timestamp"}

	tx := db.impl.WithContext(ctx).Where(map[string]interface{}{"sensor_id": sensorID})

	if query.From != nil {
		tx = tx.Where(clause.Gte{Column: timestamp, Value: *query.From})
	}

	if query.To != nil {
		tx = tx.Where(clause.Lte{Column: timestamp, Value: *query.To})
	}

	limit := query.Limit
	if limit <= 0 || limit > DefaultSampleLimit {
		limit = DefaultSampleLimit
	}

	samples := []models.Sample{}

	err := tx.Order(clause.OrderByColumn{Column: timestamp}).Limit(limit).Find(&samples).Error
	if err != nil {
		return nil, classify(err, "failed to get samples for sensor %d", sensorID)
	}

	return samples, nil
}

func (db *myDB) GetLatestSample(ctx context.Context, sensorID uint) (*models.Sample, error) {
	sample := &models.Sample{}

	err := db.impl.WithContext(ctx).
		Where(map[string]interface{}{"sensor_id": sensorID}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).
		Take(sample).Error
	if err != nil {
		return nil, classify(err, "failed to get latest sample for sensor %d", sensorID)
	}

	return sample, nil
}

func (db *myDB) Ping(ctx context.Context) error {
	sqlDB, err := db.impl.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}

	if err != nil {
		return fmt.Errorf("ping failed: %w (%s)", ErrStorageUnavailable, err.Error())
	}

	return nil
}
