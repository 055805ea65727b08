package models

import (
	"time"

	"gorm.io/gorm"
)

//Organization owns devices, equipment and products
type Organization struct {
	gorm.Model
	Name string
	Code string `gorm:"index"`
}

//Device is an edge device that reports telemetry. Code is the identifier the device reports itself as.
type Device struct {
	gorm.Model
	Code           string `gorm:"not null;uniqueIndex"`
	Type           string
	Name           string
	OrganizationID *uint
	Organization   *Organization `json:",omitempty"`
	Sensors        []Sensor      `json:",omitempty"`
}

//Equipment is the production equipment that sensors may be attached to
type Equipment struct {
	gorm.Model
	Name           string
	Description    string
	OrganizationID *uint
	Organization   *Organization `json:",omitempty"`
}

//Sensor is a single measuring channel on a device. Codes are only unique within a device.
type Sensor struct {
	gorm.Model
	Code        string     `gorm:"not null;uniqueIndex:sensor_on_device,priority:2"`
	DeviceID    uint       `gorm:"not null;uniqueIndex:sensor_on_device,priority:1"`
	Device      *Device    `json:",omitempty"`
	Name        string
	Type        string
	Units       string
	EquipmentID *uint
	Equipment   *Equipment `json:",omitempty"`
}

//Sample is an immutable reading from a sensor
type Sample struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	SensorID  uint    `gorm:"not null;uniqueIndex:sample_identity,priority:1"`
	Sensor    *Sensor `json:",omitempty"`
	Timestamp int64   `gorm:"not null;uniqueIndex:sample_identity,priority:2"`
	Value     float64 `gorm:"not null;uniqueIndex:sample_identity,priority:3"`
}

//Product is something that is made in a batch
type Product struct {
	gorm.Model
	Name           string
	Description    string
	Type           string
	OrganizationID *uint
	Organization   *Organization `json:",omitempty"`
}

//Batch is a production run of a product on a piece of equipment
type Batch struct {
	gorm.Model
	ProductID   uint
	Product     Product
	EquipmentID uint
	Equipment   Equipment
	Start       time.Time
	End         *time.Time
	Serial      string
}

//All returns every model in dependency order, suitable for AutoMigrate
func All() []interface{} {
	return []interface{}{
		&Organization{},
		&Device{},
		&Equipment{},
		&Sensor{},
		&Sample{},
		&Product{},
		&Batch{},
	}
}
