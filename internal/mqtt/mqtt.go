package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

type Client struct {
	client paho.Client
}

// brokerServer converts mqtt:// style broker URLs into the scheme paho
// expects and returns any credentials embedded in the URL.
func brokerServer(raw string) (server, user, password string, useTLS bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "mqtt://mosquitto:1883"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", false, fmt.Errorf("parse broker url: %w", err)
	}
	if u.Host == "" {
		return "", "", "", false, fmt.Errorf("broker url %q has no host", raw)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + u.Host
	case "mqtts", "ssl", "tls":
		server = "ssl://" + u.Host
		useTLS = true
	case "ws", "wss":
		server = u.Scheme + "://" + u.Host + u.Path
		useTLS = u.Scheme == "wss"
	default:
		return "", "", "", false, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}
	return server, user, password, useTLS, nil
}

func Connect(brokerURL, clientID string) (*Client, error) {
	server, user, password, useTLS, err := brokerServer(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(server)
	if strings.TrimSpace(clientID) == "" {
		clientID = "hass-gateway"
	}
	opts.SetClientID(clientID + "-" + time.Now().Format("150405.000"))
	if user != "" {
		opts.SetUsername(user)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if useTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ paho.Client) {
		slog.Info("mqtt connected", "broker", server)
	}

	c := paho.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	tok := c.client.Publish(topic, 1, retained, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
