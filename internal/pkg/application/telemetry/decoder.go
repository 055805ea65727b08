package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

//DecodeJSON reads a JSON object from r and decodes it into a Message
func DecodeJSON(r io.Reader) (*Message, error) {
	values, err := ReadJSON(r)
	if err != nil {
		return nil, err
	}

	return Decode(values)
}

//ReadJSON reads a JSON object from r without interpreting it. Numbers are kept as json.Number.
func ReadJSON(r io.Reader) (map[string]interface{}, error) {
	values := map[string]interface{}{}

	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	if err := decoder.Decode(&values); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	return values, nil
}

//DecodeQuery decodes a message sent as query parameters. Only the first value of each key is used.
func DecodeQuery(query url.Values) (*Message, error) {
	return Decode(FromQuery(query))
}

//FromQuery converts query parameters into the generic form accepted by Decode
func FromQuery(query url.Values) map[string]interface{} {
	values := make(map[string]interface{}, len(query))
	for key := range query {
		values[key] = query.Get(key)
	}
	return values
}

//Decode extracts a Message from a loosely structured payload. Keys that are not
//recognised are ignored. Malformed readings are reported in Message.Failures
//instead of failing the whole message.
func Decode(values map[string]interface{}) (*Message, error) {
	deviceCode, deviceCodeOK := stringField(values, FieldDeviceID)
	deviceType, deviceTypeOK := stringField(values, FieldType)

	missing := []string{}
	if !deviceCodeOK {
		missing = append(missing, FieldDeviceID)
	}
	if !deviceTypeOK {
		missing = append(missing, FieldType)
	}
	if len(missing) > 0 {
		return nil, &DecodeError{Missing: missing}
	}

	msg := &Message{
		DeviceCode: deviceCode,
		DeviceType: deviceType,
		Readings:   []Reading{},
		Failures:   []ReadingError{},
	}

	msg.Organisation, _ = stringField(values, FieldOrganisation)
	msg.Site, _ = stringField(values, FieldSite)

	pattern, ok := readingKeys[deviceType]
	if !ok {
		return msg, nil
	}

	codes := []string{}
	for key := range values {
		if pattern.MatchString(key) {
			codes = append(codes, key)
		}
	}

	if len(codes) == 0 {
		return msg, nil
	}

	sort.Strings(codes)

	timestamp, err := parseTimestamp(values[FieldTimestamp])
	if err != nil {
		for _, code := range codes {
			msg.Failures = append(msg.Failures, ReadingError{SensorCode: code, Reason: err.Error()})
		}
		return msg, nil
	}

	msg.Timestamp = timestamp

	for _, code := range codes {
		value, err := parseValue(values[code])
		if err != nil {
			msg.Failures = append(msg.Failures, ReadingError{SensorCode: code, Reason: err.Error()})
			continue
		}

		msg.Readings = append(msg.Readings, Reading{SensorCode: code, Value: value})
	}

	return msg, nil
}

func stringField(values map[string]interface{}, key string) (string, bool) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return "", false
	}

	var s string

	switch v := raw.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	default:
		s = fmt.Sprintf("%v", v)
	}

	s = strings.TrimSpace(s)
	return s, s != ""
}

var errTimestampMissing = errors.New("timestamp is missing")

func parseTimestamp(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, errTimestampMissing
	case json.Number:
		return parseTimestampString(v.String())
	case string:
		return parseTimestampString(v)
	case float64:
		return integral(v)
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	}

	return 0, fmt.Errorf("timestamp of type %T is not a number", raw)
}

func parseTimestampString(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errTimestampMissing
	}

	i, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return i, nil
	}

	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("timestamp %s does not fit in 64 bits", s)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q is not a number", s)
	}

	return integral(f)
}

func integral(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("timestamp %v is not an integer", f)
	}

	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold
	if f >= 1<<63 || f < -(1<<63) {
		return 0, fmt.Errorf("timestamp %v does not fit in 64 bits", f)
	}

	return int64(f), nil
}

func parseValue(raw interface{}) (float64, error) {
	var f float64
	var err error

	switch v := raw.(type) {
	case json.Number:
		f, err = v.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return 0, fmt.Errorf("value of type %T is not a number", raw)
	}

	if err != nil {
		return 0, fmt.Errorf("value %v is not a number", raw)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not a finite number", raw)
	}

	return f, nil
}
