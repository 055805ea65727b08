package telemetry

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThatDecodeJSONExtractsDeviceAndReadings(t *testing.T) {
	payload := `{"AI01Avg": 290, "AI01Max": 291, "AI01Min": 288, "DeviceId": "RTK_000002", "Organisation": "PACSEEDS", "Site": "KUNUNURRA", "Type": "TEMP", "timestamp": 1594101598151}`

	msg, err := DecodeJSON(strings.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, "RTK_000002", msg.DeviceCode)
	assert.Equal(t, "TEMP", msg.DeviceType)
	assert.Equal(t, "PACSEEDS", msg.Organisation)
	assert.Equal(t, "KUNUNURRA", msg.Site)
	assert.Equal(t, int64(1594101598151), msg.Timestamp)
	assert.Equal(t, []Reading{{SensorCode: "AI01Avg", Value: 290}}, msg.Readings)
	assert.Empty(t, msg.Failures)
}

func TestThatDecodeRejectsMissingDeviceID(t *testing.T) {
	_, err := DecodeJSON(strings.NewReader(`{"AI01Avg": 290, "Type": "TEMP", "timestamp": 1594101598151}`))

	decodeErr := &DecodeError{}
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, []string{FieldDeviceID}, decodeErr.Missing)
}

func TestThatDecodeReportsAllMissingFields(t *testing.T) {
	_, err := Decode(map[string]interface{}{"DeviceId": "  "})

	decodeErr := &DecodeError{}
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, []string{FieldDeviceID, FieldType}, decodeErr.Missing)
	assert.Contains(t, err.Error(), "DeviceId, Type")
}

func TestThatMalformedReadingDoesNotAbortMessage(t *testing.T) {
	payload := `{"AI01Avg": 290, "AI02Avg": "warm", "DeviceId": "RTK_000002", "Type": "TEMP", "timestamp": 1594101598151}`

	msg, err := DecodeJSON(strings.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, []Reading{{SensorCode: "AI01Avg", Value: 290}}, msg.Readings)
	require.Len(t, msg.Failures, 1)
	assert.Equal(t, "AI02Avg", msg.Failures[0].SensorCode)
}

func TestThatOtherDeviceTypesYieldNoReadings(t *testing.T) {
	payload := `{"AI01Avg": 290, "DeviceId": "GW_1", "Type": "GATEWAY", "timestamp": 1594101598151}`

	msg, err := DecodeJSON(strings.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, "GW_1", msg.DeviceCode)
	assert.Empty(t, msg.Readings)
	assert.Empty(t, msg.Failures)
}

func TestThatReadingsWithoutTimestampAreReportedAsFailures(t *testing.T) {
	payload := `{"AI02Avg": 291, "AI01Avg": 290, "DeviceId": "RTK_000002", "Type": "WTANK"}`

	msg, err := DecodeJSON(strings.NewReader(payload))
	require.NoError(t, err)

	assert.Empty(t, msg.Readings)
	require.Len(t, msg.Failures, 2)
	assert.Equal(t, "AI01Avg", msg.Failures[0].SensorCode)
	assert.Equal(t, "AI02Avg", msg.Failures[1].SensorCode)
	assert.Contains(t, msg.Failures[0].Reason, "timestamp")
}

func TestThatFractionalTimestampIsAFailure(t *testing.T) {
	msg, err := Decode(map[string]interface{}{
		"DeviceId":  "RTK_000002",
		"Type":      "TEMP",
		"timestamp": 15.5,
		"AI01Avg":   12.0,
	})
	require.NoError(t, err)

	assert.Empty(t, msg.Readings)
	assert.Len(t, msg.Failures, 1)
}

func TestThatOverflowingTimestampIsAFailure(t *testing.T) {
	payload := `{"AI01Avg":290,"DeviceId":"RTK_000002","Type":"TEMP","timestamp":9223372036854775808}`

	msg, err := DecodeJSON(strings.NewReader(payload))
	require.NoError(t, err)

	assert.Empty(t, msg.Readings)
	require.Len(t, msg.Failures, 1)
	assert.Equal(t, "AI01Avg", msg.Failures[0].SensorCode)
	assert.Contains(t, msg.Failures[0].Reason, "64 bits")

	msg, err = DecodeQuery(url.Values{
		"DeviceId":  {"RTK_000002"},
		"Type":      {"TEMP"},
		"timestamp": {"-9223372036854775809"},
		"AI01Avg":   {"290"},
	})
	require.NoError(t, err)

	assert.Empty(t, msg.Readings)
	assert.Len(t, msg.Failures, 1)

	msg, err = Decode(map[string]interface{}{
		"DeviceId":  "RTK_000002",
		"Type":      "TEMP",
		"timestamp": float64(1 << 63),
		"AI01Avg":   12.0,
	})
	require.NoError(t, err)

	assert.Empty(t, msg.Readings)
	assert.Len(t, msg.Failures, 1)
}

func TestThatLargestTimestampIsKept(t *testing.T) {
	payload := `{"AI01Avg":290,"DeviceId":"RTK_000002","Type":"TEMP","timestamp":9223372036854775807}`

	msg, err := DecodeJSON(strings.NewReader(payload))
	require.NoError(t, err)

	require.Len(t, msg.Readings, 1)
	assert.Equal(t, int64(9223372036854775807), msg.Timestamp)
}

func TestThatDecodeQueryParsesStringValues(t *testing.T) {
	query := url.Values{}
	query.Set("DeviceId", "RTK_000003")
	query.Set("Type", "WTANK")
	query.Set("timestamp", "1594100998527")
	query.Set("AI01Avg", "12.5")
	query.Set("AI02Avg", "NaN")

	msg, err := DecodeQuery(query)
	require.NoError(t, err)

	assert.Equal(t, int64(1594100998527), msg.Timestamp)
	assert.Equal(t, []Reading{{SensorCode: "AI01Avg", Value: 12.5}}, msg.Readings)
	require.Len(t, msg.Failures, 1)
	assert.Equal(t, "AI02Avg", msg.Failures[0].SensorCode)
}

func TestThatNonObjectPayloadIsRejected(t *testing.T) {
	_, err := DecodeJSON(strings.NewReader(`[1,2,3]`))
	assert.Error(t, err)
}

func TestCarriesReadings(t *testing.T) {
	assert.True(t, CarriesReadings("TEMP"))
	assert.True(t, CarriesReadings("WTANK"))
	assert.False(t, CarriesReadings("temp"))
}
