package device

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/modbus/modbustest"
)

func newTestService(t *testing.T) (*Service, *modbustest.Server) {
	t.Helper()
	srv, err := modbustest.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	host, portStr, ok := strings.Cut(srv.Addr(), ":")
	require.True(t, ok)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	svc := NewService(config.ModbusConfig{
		TimeoutS:    1.0,
		Retries:     2,
		BackoffS:    0.01,
		MaxBackoffS: 0.05,
	}, nil)
	svc.SetTargets(map[string]Target{"P1": {Address: host, Port: port}})
	t.Cleanup(svc.CloseAll)

	return svc, srv
}

func TestUnknownPLC(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ReadRegister("nope", 0)
	assert.ErrorIs(t, err, ErrUnknownPLC)
}

func TestReadWriteRoundTrip(t *testing.T) {
	svc, srv := newTestService(t)

	srv.SetRegister(49, 777)
	v, err := svc.ReadRegister("P1", 49)
	require.NoError(t, err)
	assert.Equal(t, uint16(777), v)

	require.NoError(t, svc.WriteRegister("P1", 60, 123, true))
	assert.Equal(t, uint16(123), srv.Register(60))
}

func TestWriteBitInRegister(t *testing.T) {
	svc, srv := newTestService(t)

	srv.SetRegister(49, 0b1010)

	// Setting bit 0 keeps the other bits intact.
	require.NoError(t, svc.WriteBitInRegister("P1", 49, 0, 1, true))
	assert.Equal(t, uint16(0b1011), srv.Register(49))

	// Clearing bit 1.
	require.NoError(t, svc.WriteBitInRegister("P1", 49, 1, 0, true))
	assert.Equal(t, uint16(0b1001), srv.Register(49))

	// Read-back agrees.
	on, err := svc.ReadBitFromRegister("P1", 49, 0)
	require.NoError(t, err)
	assert.True(t, on)
	off, err := svc.ReadBitFromRegister("P1", 49, 1)
	require.NoError(t, err)
	assert.False(t, off)
}

func TestBitWriteBounds(t *testing.T) {
	svc, _ := newTestService(t)

	assert.Error(t, svc.WriteBitInRegister("P1", 49, 16, 1, false))
	assert.Error(t, svc.WriteBitInRegister("P1", 49, -1, 1, false))
	assert.Error(t, svc.WriteBitInRegister("P1", 49, 0, 2, false))

	// Boundary values are fine.
	assert.NoError(t, svc.WriteBitInRegister("P1", 49, 0, 0, true))
	assert.NoError(t, svc.WriteBitInRegister("P1", 49, 15, 1, true))
}

func TestHealthTracksFailures(t *testing.T) {
	svc, srv := newTestService(t)

	_, err := svc.ReadRegister("P1", 10)
	require.NoError(t, err)

	h := svc.HealthSnapshot()["P1"]
	assert.True(t, h.Connected)
	assert.Zero(t, h.ConsecutiveFailures)

	// Kill the server; subsequent reads must fail and be accounted.
	srv.Close()
	_, err = svc.ReadRegister("P1", 10)
	require.Error(t, err)

	h = svc.HealthSnapshot()["P1"]
	assert.False(t, h.Connected)
	assert.Greater(t, h.ConsecutiveFailures, 0)
	assert.NotEmpty(t, h.LastError)
}

func TestReconnectThrottled(t *testing.T) {
	svc := NewService(config.ModbusConfig{
		TimeoutS:    0.2,
		Retries:     0,
		BackoffS:    10, // long backoff so the second attempt is throttled
		MaxBackoffS: 10,
	}, nil)
	// Nothing listens on this port.
	svc.SetTargets(map[string]Target{"P1": {Address: "127.0.0.1", Port: 1}})

	_, err := svc.ReadRegister("P1", 0)
	require.Error(t, err)

	// Second call fails fast with a throttled connect, without dialing.
	start := time.Now()
	_, err = svc.ReadRegister("P1", 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	var ce *ConnectError
	assert.True(t, errors.As(err, &ce))
}

func TestScopedLock(t *testing.T) {
	svc, srv := newTestService(t)
	srv.SetRegister(5, 1)

	sess, err := svc.Lock("P1")
	require.NoError(t, err)
	words, err := sess.ReadHoldingRegisters(5, 1)
	require.NoError(t, err)
	require.NoError(t, sess.WriteRegister(5, words[0]+1))
	sess.Unlock()

	assert.Equal(t, uint16(2), srv.Register(5))
}
