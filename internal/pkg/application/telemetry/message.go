package telemetry

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	//FieldDeviceID is the payload key holding the reporting device's code
	FieldDeviceID = "DeviceId"
	//FieldType is the payload key holding the device type
	FieldType = "Type"
	//FieldOrganisation is informational and not persisted
	FieldOrganisation = "Organisation"
	//FieldSite is informational and not persisted
	FieldSite = "Site"
	//FieldTimestamp is the observation time shared by every reading in a message
	FieldTimestamp = "timestamp"
)

//analogAverage matches the averaged analog input channels, AI01Avg, AI02Avg, ...
var analogAverage = regexp.MustCompile(`^AI[0-9]{2}Avg$`)

//readingKeys maps a device type to the payload keys that carry readings for that type
var readingKeys = map[string]*regexp.Regexp{
	"TEMP":  analogAverage,
	"WTANK": analogAverage,
}

//CarriesReadings reports whether devices of the given type send readings we know how to record
func CarriesReadings(deviceType string) bool {
	_, ok := readingKeys[deviceType]
	return ok
}

//Reading is a single sensor observation from a message
type Reading struct {
	SensorCode string
	Value      float64
}

//Message is a decoded telemetry payload from an edge device
type Message struct {
	DeviceCode   string
	DeviceType   string
	Organisation string
	Site         string
	Timestamp    int64
	Readings     []Reading
	//Failures holds the readings that were present in the payload but could not be decoded
	Failures []ReadingError
}

//DecodeError is returned when a payload lacks the fields needed to identify the device
type DecodeError struct {
	Missing []string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("required field(s) missing: %s", strings.Join(e.Missing, ", "))
}

//ReadingError describes a reading that could not be decoded from an otherwise valid message
type ReadingError struct {
	SensorCode string
	Reason     string
}

func (e ReadingError) Error() string {
	return fmt.Sprintf("reading %s: %s", e.SensorCode, e.Reason)
}
