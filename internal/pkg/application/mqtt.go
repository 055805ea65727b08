package application

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/application/telemetry"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/logging"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

//TelemetryTopicPrefix is the topic namespace devices publish their payloads under
const TelemetryTopicPrefix = "telemetry/"

//TelemetryHook feeds payloads published on the embedded broker into the ingestor
type TelemetryHook struct {
	mqtt.HookBase
	ingestor *Ingestor
	log      logging.Logger
	timeout  time.Duration
}

//NewTelemetryHook creates a hook that ingests every publish below TelemetryTopicPrefix
func NewTelemetryHook(ingestor *Ingestor, log logging.Logger, timeout time.Duration) *TelemetryHook {
	return &TelemetryHook{ingestor: ingestor, log: log, timeout: timeout}
}

//ID identifies the hook on the broker
func (h *TelemetryHook) ID() string {
	return "telemetry-ingest"
}

//Provides indicates which hook methods this hook provides
func (h *TelemetryHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnPublish,
	}, []byte{b})
}

//OnConnect is called when a client connects to the broker
func (h *TelemetryHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.log.Infof("MQTT client connected: %s", cl.ID)
	return nil
}

//OnPublish ingests the payload. The packet is always passed on unchanged so that other
//subscribers still receive it, even when ingestion fails.
func (h *TelemetryHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if !strings.HasPrefix(pk.TopicName, TelemetryTopicPrefix) {
		return pk, nil
	}

	ack, err := h.ingest(pk.Payload)
	if err != nil {
		h.log.WithFields(logging.Fields{"topic": pk.TopicName}).Errorf("Failed to ingest MQTT payload: %s", err.Error())
		return pk, nil
	}

	h.log.Debugf("Ingested %d samples from %s", len(ack.Samples), pk.TopicName)

	return pk, nil
}

func (h *TelemetryHook) ingest(payload []byte) (*Acknowledgement, error) {
	msg, err := telemetry.DecodeJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	return h.ingestor.Ingest(ctx, msg)
}

//StartMQTTBroker starts an embedded MQTT broker on address that ingests telemetry
//published by devices. Any client may connect.
func StartMQTTBroker(address string, hook *TelemetryHook, log logging.Logger) (*mqtt.Server, error) {
	server := mqtt.New(nil)

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}

	if err := server.AddHook(hook, nil); err != nil {
		return nil, err
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "telemetry",
		Address: address,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}

	go func() {
		if err := server.Serve(); err != nil {
			log.Errorf("MQTT broker stopped: %s", err.Error())
		}
	}()

	log.Infof("Accepting MQTT telemetry on %s", address)

	return server, nil
}
