package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sensemap/sensemap-core/internal/infrastructure/config"
)

// testConfig returns an MQTT configuration that never reaches a broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "sensemap-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "sensemap",
	}
}

func disconnectedClient() *Client {
	return &Client{cfg: testConfig(), subscriptions: make(map[string]subscription)}
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "sensemap"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"BoxData", topics.BoxData("abc"), "sensemap/boxes/abc/data"},
		{"AllBoxData", topics.AllBoxData(), "sensemap/boxes/+/data"},
		{"SystemStatus", topics.SystemStatus(), "sensemap/system/status"},
		{"trimmed prefix", Topics{Prefix: "/osem/"}.BoxData("x"), "osem/boxes/x/data"},
		{"empty prefix", Topics{}.AllBoxData(), "boxes/+/data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopics_BoxIDFromDataTopic(t *testing.T) {
	topics := Topics{Prefix: "sensemap"}

	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"sensemap/boxes/abc/data", "abc", true},
		{topics.BoxData("5a1b-77"), "5a1b-77", true},
		{"sensemap/boxes//data", "", false},
		{"sensemap/boxes/a/b/data", "", false},
		{"sensemap/boxes/abc/status", "", false},
		{"other/boxes/abc/data", "", false},
		{"sensemap/system/status", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := topics.BoxIDFromDataTopic(tt.topic)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("BoxIDFromDataTopic(%q) = %q, %v; want %q, %v", tt.topic, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "station"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "sensemap-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "station" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("auto-reconnect and clean session should be enabled")
	}

	cfg.Broker.TLS = true
	opts = buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" || opts.TLSConfig == nil {
		t.Errorf("TLS broker = %v, TLSConfig = %v", opts.Servers[0], opts.TLSConfig)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, Topics{Prefix: "sensemap"}, "sensemap-test")

	if !opts.WillEnabled || opts.WillTopic != "sensemap/system/status" || !opts.WillRetained {
		t.Errorf("will = %v %q retained=%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	if !strings.Contains(string(opts.WillPayload), `"status":"offline"`) {
		t.Errorf("WillPayload = %s", opts.WillPayload)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := disconnectedClient()
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		want    error
	}{
		{"empty topic", "", 1, noop, ErrInvalidTopic},
		{"invalid qos", "sensemap/boxes/+/data", 3, noop, ErrInvalidQoS},
		{"nil handler", "sensemap/boxes/+/data", 1, nil, ErrSubscribeFailed},
		{"disconnected", "sensemap/boxes/+/data", 1, noop, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.want) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.want)
			}
		})
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after failures", c.SubscriptionCount())
	}
}

func TestUnsubscribe_Validation(t *testing.T) {
	c := disconnectedClient()
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Unsubscribe("sensemap/boxes/+/data"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestWrapHandler(t *testing.T) {
	c := disconnectedClient()
	logger := &mockLogger{}
	c.SetLogger(logger)

	var got []string
	ok := c.wrapHandler(func(topic string, payload []byte) error {
		got = append(got, topic+"="+string(payload))
		return nil
	})
	ok(nil, fakeMessage{topic: "sensemap/boxes/a/data", payload: []byte(`{}`)})
	if len(got) != 1 || got[0] != "sensemap/boxes/a/data={}" {
		t.Errorf("handler received %v", got)
	}

	failing := c.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })
	failing(nil, fakeMessage{topic: "t"})
	if len(logger.warns) != 1 {
		t.Errorf("warn count = %d, want 1", len(logger.warns))
	}

	panicking := c.wrapHandler(func(string, []byte) error { panic("boom") })
	panicking(nil, fakeMessage{topic: "t"}) // must not propagate
	if len(logger.errors) != 1 {
		t.Errorf("error count = %d, want 1 after recovered panic", len(logger.errors))
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	c := disconnectedClient()
	if err := c.HealthCheck(t.Context()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true for a client that never connected")
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestStatusPayload(t *testing.T) {
	var got serviceStatus
	if err := json.Unmarshal([]byte(statusPayload("online", "sensemap-test", "")), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "online" || got.ClientID != "sensemap-test" || got.Reason != "" {
		t.Errorf("status = %+v", got)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", got.Timestamp, err)
	}
}
