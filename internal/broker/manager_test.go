package broker_test

import (
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/fleetsense/iot-backend/internal/broker"
	"github.com/fleetsense/iot-backend/pkg/mqtt"
)

// mockMQTTClient is a mock implementation of the mqtt.MQTTClient interface.
type mockMQTTClient struct {
	mock.Mock
}

func (m *mockMQTTClient) Initialize(cfg mqtt.Config) error {
	args := m.Called(cfg)
	return args.Error(0)
}

func (m *mockMQTTClient) Connect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockMQTTClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) error {
	args := m.Called(topic, qos, callback)
	return args.Error(0)
}

func (m *mockMQTTClient) Unsubscribe(topics ...string) error {
	args := m.Called(topics)
	return args.Error(0)
}

func (m *mockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func testOptions() broker.Options {
	return broker.Options{
		BrokerURL:            "tcp://localhost:1883",
		ClientID:             "test-engine",
		QOS:                  1,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxBackoff:  5 * time.Millisecond,
	}
}

// TestManager_Subscribe_Idempotent verifies a second subscribe for the same
// device issues no second broker command.
func TestManager_Subscribe_Idempotent(t *testing.T) {
	client := new(mockMQTTClient)
	client.On("IsConnected").Return(true)
	client.On("Subscribe", "device/D1/data", byte(1), mock.Anything).Return(nil)

	manager := broker.NewManager(client, testOptions(), zerolog.Nop())

	assert.NoError(t, manager.Subscribe("D1"))
	assert.NoError(t, manager.Subscribe("D1"))

	client.AssertNumberOfCalls(t, "Subscribe", 1)
	assert.Equal(t, 1, manager.ActiveTopics())
}

// TestManager_Unsubscribe_Idempotent verifies unsubscribing an untracked
// topic is a no-op success.
func TestManager_Unsubscribe_Idempotent(t *testing.T) {
	client := new(mockMQTTClient)
	client.On("IsConnected").Return(true)
	client.On("Subscribe", "device/D1/data", byte(1), mock.Anything).Return(nil)
	client.On("Unsubscribe", []string{"device/D1/data"}).Return(nil)

	manager := broker.NewManager(client, testOptions(), zerolog.Nop())

	assert.NoError(t, manager.Unsubscribe("D1"), "never subscribed")
	client.AssertNotCalled(t, "Unsubscribe", mock.Anything)

	assert.NoError(t, manager.Subscribe("D1"))
	assert.NoError(t, manager.Unsubscribe("D1"))
	assert.NoError(t, manager.Unsubscribe("D1"), "second unsubscribe is a no-op")

	client.AssertNumberOfCalls(t, "Unsubscribe", 1)
	assert.Equal(t, 0, manager.ActiveTopics())
}

// TestManager_Subscribe_FailureUntracks verifies a failed broker subscribe
// does not leave the topic tracked.
func TestManager_Subscribe_FailureUntracks(t *testing.T) {
	client := new(mockMQTTClient)
	client.On("IsConnected").Return(true)
	client.On("Subscribe", "device/D1/data", byte(1), mock.Anything).
		Return(errors.New("subscribe refused")).Once()
	client.On("Subscribe", "device/D1/data", byte(1), mock.Anything).Return(nil).Once()

	manager := broker.NewManager(client, testOptions(), zerolog.Nop())

	assert.Error(t, manager.Subscribe("D1"))
	assert.Equal(t, 0, manager.ActiveTopics())

	assert.NoError(t, manager.Subscribe("D1"))
	assert.Equal(t, 1, manager.ActiveTopics())
}

// TestManager_Subscribe_Disconnected verifies subscribes while disconnected
// are tracked and deferred to the reconnect handler.
func TestManager_Subscribe_Disconnected(t *testing.T) {
	client := new(mockMQTTClient)
	client.On("IsConnected").Return(false)

	manager := broker.NewManager(client, testOptions(), zerolog.Nop())

	assert.NoError(t, manager.Subscribe("D1"))
	assert.Equal(t, 1, manager.ActiveTopics())
	client.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
}

// TestManager_Reconnect_Resubscribes verifies the on-connect handler
// re-issues a subscribe for every tracked topic.
func TestManager_Reconnect_Resubscribes(t *testing.T) {
	client := new(mockMQTTClient)

	var captured mqtt.Config
	client.On("Initialize", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		captured = args.Get(0).(mqtt.Config)
	})
	client.On("Connect").Return(nil)
	client.On("IsConnected").Return(false)
	client.On("Subscribe", "device/D1/data", byte(1), mock.Anything).Return(nil)
	client.On("Subscribe", "device/D2/data", byte(1), mock.Anything).Return(nil)
	client.On("Disconnect", uint(250)).Return()

	manager := broker.NewManager(client, testOptions(), zerolog.Nop())

	// Tracked while disconnected, so no broker commands yet.
	assert.NoError(t, manager.Subscribe("D1"))
	assert.NoError(t, manager.Subscribe("D2"))

	assert.NoError(t, manager.Start())
	assert.NotNil(t, captured.OnConnect)

	// Simulate the broker acknowledging the connection.
	captured.OnConnect()

	client.AssertNumberOfCalls(t, "Subscribe", 2)
	assert.NoError(t, manager.Stop())
}

// TestManager_Degraded_AfterRetryCeiling verifies the reconnect loop stops at
// the retry ceiling and surfaces a degraded health signal instead of
// crashing or spinning.
func TestManager_Degraded_AfterRetryCeiling(t *testing.T) {
	client := new(mockMQTTClient)
	client.On("Initialize", mock.Anything).Return(nil)
	client.On("Connect").Return(errors.New("connection refused"))
	client.On("IsConnected").Return(false)
	client.On("Disconnect", uint(250)).Return()

	manager := broker.NewManager(client, testOptions(), zerolog.Nop())
	assert.NoError(t, manager.Start())

	assert.Eventually(t, func() bool {
		return manager.Status().Degraded
	}, time.Second, 5*time.Millisecond)

	client.AssertNumberOfCalls(t, "Connect", 3)
	assert.NoError(t, manager.Stop())
}

// TestManager_StartStop_Lifecycle verifies double start and double stop are
// rejected.
func TestManager_StartStop_Lifecycle(t *testing.T) {
	client := new(mockMQTTClient)
	client.On("Initialize", mock.Anything).Return(nil)
	client.On("Connect").Return(nil)
	client.On("IsConnected").Return(true)
	client.On("Disconnect", uint(250)).Return()

	manager := broker.NewManager(client, testOptions(), zerolog.Nop())

	assert.NoError(t, manager.Start())
	assert.Error(t, manager.Start())
	assert.NoError(t, manager.Stop())
	assert.Error(t, manager.Stop())
}
