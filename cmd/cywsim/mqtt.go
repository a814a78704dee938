package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

var errMQTTConnect = errors.New("mqtt: broker did not accept connection")

// publisher republishes driver activity under a topic prefix. Methods are
// called from a single goroutine.
type publisher struct {
	conn    net.Conn
	client  *mqtt.Client
	prefix  string
	flags   mqtt.PacketFlags
	timeout time.Duration
	packet  uint16
	log     *slog.Logger
}

// dialPublisher connects to cfg.Broker over TCP and completes the MQTT
// handshake.
func dialPublisher(ctx context.Context, cfg MQTTConfig, log *slog.Logger) (*publisher, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", cfg.Broker)
	if err != nil {
		return nil, err
	}
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
		OnPub: func(_ mqtt.Header, vp mqtt.VariablesPublish, _ io.Reader) error {
			log.Debug("mqtt:unexpected-publish", slog.String("topic", string(vp.TopicName)))
			return nil
		},
	})
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(cfg.ClientID))
	conn.SetDeadline(time.Now().Add(cfg.Timeout))
	if err = client.StartConnect(conn, &varconn); err != nil {
		conn.Close()
		return nil, err
	}
	for !client.IsConnected() {
		if err = client.HandleNext(); err != nil {
			conn.Close()
			return nil, errors.Join(errMQTTConnect, err)
		}
	}
	conn.SetDeadline(time.Time{})
	log.Info("mqtt:connected", slog.String("broker", cfg.Broker), slog.String("topic", cfg.Topic))
	return &publisher{
		conn:    conn,
		client:  client,
		prefix:  cfg.Topic,
		flags:   flags,
		timeout: cfg.Timeout,
		log:     log,
	}, nil
}

// Publish sends payload to prefix/sub. A nil publisher discards.
func (p *publisher) Publish(sub string, payload []byte) error {
	if p == nil {
		return nil
	}
	p.packet++
	if p.packet == 0 {
		p.packet = 1 // Zero identifiers are rejected.
	}
	vars := mqtt.VariablesPublish{
		TopicName:        []byte(p.prefix + "/" + sub),
		PacketIdentifier: p.packet,
	}
	p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	err := p.client.PublishPayload(p.flags, vars, payload)
	if err != nil {
		p.log.Error("mqtt:publish-failed", slog.String("topic", string(vars.TopicName)), slog.String("err", err.Error()))
	}
	return err
}

func (p *publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.conn.Close()
}
