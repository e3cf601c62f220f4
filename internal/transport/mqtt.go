package transport

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"telegate/internal/config"
	"telegate/internal/model"
	"telegate/internal/pipeline"
	"telegate/internal/protocol"
)

// StartMQTT subscribes to the device telemetry topic and feeds each message
// through the pipeline. Messages use the same JSON shape as the TCP line
// framing; there is no per-message ack, only QoS at the broker level.
func StartMQTT(ctx context.Context, cfg *config.Manager, gateway *pipeline.Gateway, logger *slog.Logger) mqtt.Client {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", current.BrokerURL, "topic", current.Topic)
	}

	handle := func(_ mqtt.Client, msg mqtt.Message) {
		env, credential, err := protocol.ParseJSONLine(msg.Payload())
		if err != nil {
			if logger != nil {
				logger.Debug("mqtt message rejected", "topic", msg.Topic(), "err", err)
			}
			return
		}
		if env.Metadata != nil {
			env.Metadata["source"] = "mqtt"
			env.Metadata["mqtt_topic"] = msg.Topic()
		}
		ack := gateway.Ingest(ctx, env, credential, "mqtt")
		if ack.Status != model.StatusAccepted && logger != nil {
			logger.Debug("mqtt message not accepted",
				"device_id", ack.DeviceID, "status", ack.Status, "message", ack.Message)
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(current.BrokerURL).
		SetClientID(current.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if current.Username != "" {
		opts.SetUsername(current.Username)
	}
	if current.Password != "" {
		opts.SetPassword(current.Password)
	}
	opts.OnConnect = func(c mqtt.Client) {
		if logger != nil {
			logger.Info("mqtt connected", "broker", current.BrokerURL)
		}
		if token := c.Subscribe(current.Topic, current.QoS, handle); token.Wait() && token.Error() != nil {
			if logger != nil {
				logger.Error("mqtt subscribe error", "topic", current.Topic, "err", token.Error())
			}
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
	}

	client := mqtt.NewClient(opts)
	go func() {
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			if logger != nil {
				logger.Error("mqtt connect error", "err", token.Error())
			}
		}
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return client
}
