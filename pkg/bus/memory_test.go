package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDelivery(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	got := make(chan []byte, 1)
	sub, err := b.Subscribe("agent.abc", func(subject string, data []byte) {
		got <- data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish("agent.abc", []byte(`{"method":"ping"}`)))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"method":"ping"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	got := make(chan struct{}, 4)
	sub, err := b.Subscribe("agent.abc", func(string, []byte) { got <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, b.Publish("agent.abc", nil))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("first message not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish("agent.abc", nil))

	select {
	case <-got:
		t.Fatal("message delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusSubjectIsolation(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	got := make(chan string, 2)
	_, err := b.Subscribe("agent.a", func(subject string, _ []byte) { got <- subject })
	require.NoError(t, err)

	require.NoError(t, b.Publish("agent.b", nil))
	require.NoError(t, b.Publish("agent.a", nil))

	select {
	case subject := <-got:
		assert.Equal(t, "agent.a", subject)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}
