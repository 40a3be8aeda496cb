package modbus_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/plantgateway/internal/modbus"
	"github.com/gridpoint/plantgateway/internal/modbus/modbustest"
)

func dialTestServer(t *testing.T) (*modbus.Client, *modbustest.Server) {
	t.Helper()
	srv, err := modbustest.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	client, err := modbus.Dial(srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, srv
}

func TestReadHoldingRegisters(t *testing.T) {
	client, srv := dialTestServer(t)

	srv.SetRegister(49, 1234)
	srv.SetRegister(50, 0xFFFF)
	srv.SetRegister(51, 7)

	words, err := client.ReadHoldingRegisters(49, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1234, 0xFFFF, 7}, words)
}

func TestWriteSingleRegisterRoundTrip(t *testing.T) {
	client, srv := dialTestServer(t)

	require.NoError(t, client.WriteSingleRegister(100, 42))
	assert.Equal(t, uint16(42), srv.Register(100))

	words, err := client.ReadHoldingRegisters(100, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), words[0])
}

func TestWriteMultipleRegisters(t *testing.T) {
	client, srv := dialTestServer(t)

	require.NoError(t, client.WriteMultipleRegisters(200, []uint16{1, 2, 3}))
	assert.Equal(t, uint16(1), srv.Register(200))
	assert.Equal(t, uint16(2), srv.Register(201))
	assert.Equal(t, uint16(3), srv.Register(202))
}

func TestReadCountBounds(t *testing.T) {
	client, _ := dialTestServer(t)

	_, err := client.ReadHoldingRegisters(0, 0)
	assert.Error(t, err)
	_, err = client.ReadHoldingRegisters(0, modbus.MaxReadRegisters+1)
	assert.Error(t, err)
}

func TestServerCloseSeversEstablishedConnections(t *testing.T) {
	client, srv := dialTestServer(t)

	// Warm the connection so the server has accepted it.
	_, err := client.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)

	require.NoError(t, srv.Close())

	_, err = client.ReadHoldingRegisters(0, 1)
	assert.Error(t, err)
}

func TestExceptionResponse(t *testing.T) {
	client, _ := dialTestServer(t)

	// Out-of-range read triggers illegal data address.
	_, err := client.ReadHoldingRegisters(65530, 10)
	require.Error(t, err)

	var exc *modbus.ExceptionError
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, byte(0x02), exc.Code)
}
