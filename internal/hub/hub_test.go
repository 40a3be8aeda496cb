package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvFrame(t *testing.T, sub *Subscriber) []byte {
	t.Helper()
	select {
	case frame, ok := <-sub.C:
		require.True(t, ok, "subscriber channel closed")
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame within 1s")
		return nil
	}
}

func TestBroadcastReachesChannelSubscribersOnly(t *testing.T) {
	h := New(nil)
	defer h.Close()

	alarms := h.Subscribe(ChannelAlarms)
	commands := h.Subscribe(ChannelCommands)

	h.Broadcast(ChannelAlarms, map[string]string{"state": "ALARM"})

	var got map[string]string
	require.NoError(t, json.Unmarshal(recvFrame(t, alarms), &got))
	assert.Equal(t, "ALARM", got["state"])

	select {
	case <-commands.C:
		t.Fatal("commands subscriber received an alarms frame")
	default:
	}
}

func TestInitialSnapshotPrecedesLive(t *testing.T) {
	h := New(nil)
	defer h.Close()

	snap := []byte(`{"type":"snapshot"}`)
	sub := h.Subscribe(ChannelAlarms, snap)
	h.Broadcast(ChannelAlarms, map[string]string{"type": "live"})

	assert.Equal(t, snap, recvFrame(t, sub))

	var second map[string]string
	require.NoError(t, json.Unmarshal(recvFrame(t, sub), &second))
	assert.Equal(t, "live", second["type"])
}

func TestSlowSubscriberEvicted(t *testing.T) {
	h := New(nil)
	defer h.Close()

	sub := h.Subscribe(ChannelCommands)
	// Fill the buffer without draining, then push one more.
	for i := 0; i < sendBuffer; i++ {
		h.Broadcast(ChannelCommands, i)
	}
	require.Equal(t, 1, h.SubscriberCount(ChannelCommands))

	h.Broadcast(ChannelCommands, "overflow")
	assert.Equal(t, 0, h.SubscriberCount(ChannelCommands))

	// Buffered frames stay readable, then the channel closes.
	for i := 0; i < sendBuffer; i++ {
		<-sub.C
	}
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New(nil)
	defer h.Close()

	sub := h.Subscribe(ChannelAlarms)
	h.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, h.SubscriberCount(ChannelAlarms))

	// Broadcasting after eviction must not panic.
	h.Broadcast(ChannelAlarms, "x")
}

func TestCloseRejectsNewSubscribers(t *testing.T) {
	h := New(nil)
	sub := h.Subscribe(ChannelAlarms)
	h.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	late := h.Subscribe(ChannelAlarms)
	_, ok = <-late.C
	assert.False(t, ok)
}
