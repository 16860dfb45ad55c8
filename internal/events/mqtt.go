package events

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 15 * time.Second
	publishTimeout = 5 * time.Second
)

// Client is a publish-only connection to the building's MQTT broker.
type Client struct {
	conn mqtt.Client
}

// brokerAddr accepts mqtt:// URLs, which paho spells tcp://.
func brokerAddr(raw string) string {
	addr := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(addr, "mqtt://"); ok {
		return "tcp://" + rest
	}
	return addr
}

// Connect dials broker and keeps reconnecting in the background once the
// first connection succeeded.
func Connect(broker, clientID string) (*Client, error) {
	addr := brokerAddr(broker)
	if addr == "" {
		return nil, errors.New("mqtt broker address is empty")
	}
	if strings.TrimSpace(clientID) == "" {
		clientID = fmt.Sprintf("nexus-gateway-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(addr).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqtt connection lost", "broker", addr, "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			slog.Info("mqtt connected", "broker", addr, "client_id", clientID)
		})

	conn := mqtt.NewClient(opts)
	tok := conn.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		// Stop the retry loop started by SetConnectRetry.
		conn.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s timed out after %s", addr, connectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends payload at QoS 1 without the retained flag; role events
// describe a moment, not a state.
func (c *Client) Publish(topic string, payload []byte) error {
	tok := c.conn.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.conn.Disconnect(250)
}
