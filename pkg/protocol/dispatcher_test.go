package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/pkg/events"
)

func TestDispatcher_RegisterAndReceive(t *testing.T) {
	d := NewDispatcher(events.NewRegistry())
	d.Register("time", func(ctx context.Context, msg *Message) (any, error) {
		return "now", nil
	}, true)

	v, err := d.Receive(context.Background(), "time", &Message{})
	require.NoError(t, err)
	assert.Equal(t, "now", v)
}

func TestDispatcher_UnknownVerbListsKnownVerbs(t *testing.T) {
	d := NewDispatcher(events.NewRegistry())
	d.Register("time", func(ctx context.Context, msg *Message) (any, error) { return nil, nil }, false)
	d.Register("contracts", func(ctx context.Context, msg *Message) (any, error) { return nil, nil }, false)

	_, err := d.Receive(context.Background(), "nosuch", &Message{})
	require.Error(t, err)
	var uv *UnknownVerbError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, "nosuch", uv.Verb)
	assert.ElementsMatch(t, []string{"time", "contracts"}, uv.Known)
}

func TestDispatcher_EmitsMessageEventBeforeDispatch(t *testing.T) {
	reg := events.NewRegistry()
	var observed *Message
	reg.Hub(events.TypeMessage).Subscribe(nil, func(data any) {
		observed = data.(*Message)
	}, "")

	d := NewDispatcher(reg)
	d.Register("time", func(ctx context.Context, msg *Message) (any, error) { return nil, nil }, false)

	msg := &Message{Verb: "time"}
	_, _ = d.Receive(context.Background(), "time", msg)
	assert.Same(t, msg, observed)
}

func TestDispatcher_Use_RegistersModule(t *testing.T) {
	d := NewDispatcher(events.NewRegistry())
	mod := func(d *Dispatcher) {
		d.Register("a", func(ctx context.Context, msg *Message) (any, error) { return "a", nil }, false)
		d.Register("b", func(ctx context.Context, msg *Message) (any, error) { return "b", nil }, false)
	}
	d.Use(mod)

	v, err := d.Receive(context.Background(), "a", &Message{})
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestVersionRegistry_SameVerbReachesSameHandlerAcrossVersionCasing(t *testing.T) {
	vr := NewVersionRegistry(events.NewRegistry())
	calls := 0
	vr.Version("v1").Register("time", func(ctx context.Context, msg *Message) (any, error) {
		calls++
		return nil, nil
	}, false)

	_, _ = vr.Version("V1").Receive(context.Background(), "time", &Message{})
	assert.Equal(t, 1, calls)
	assert.True(t, vr.Has("v1"))
	assert.True(t, vr.Has("V1"))
}

func TestSessionMap_SetGetDelete(t *testing.T) {
	s := NewSessionMap()
	_, ok := s.Get("k")
	assert.False(t, ok)

	s.Set("k", 42)
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	s.Delete("k")
	_, ok = s.Get("k")
	assert.False(t, ok)
}
