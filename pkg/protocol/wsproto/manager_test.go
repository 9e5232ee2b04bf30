package wsproto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/validana-io/vserver/pkg/events"
	"github.com/validana-io/vserver/pkg/protocol"
)

func marshalForTest(v any) ([]byte, error) { return json.Marshal(v) }

func TestManager_RefreshPendingCopiesAllConnections(t *testing.T) {
	m := NewManager(time.Minute)
	m.conns["a"] = &conn{id: "a"}
	m.conns["b"] = &conn{id: "b"}

	m.refreshPending()
	assert.Len(t, m.pending, 2)
}

func TestManager_RegisterUnregister(t *testing.T) {
	m := NewManager(time.Minute)
	c := &conn{id: "x"}
	m.register(c)
	assert.Len(t, m.conns, 1)
	m.unregister("x")
	assert.Len(t, m.conns, 0)
}

func TestFrames_RoundTripJSON(t *testing.T) {
	// responseFrame/pushFrame must marshal to the exact field names the
	// wire contract requires.
	r := responseFrame{ID: "a", Status: 200, Data: "x"}
	b, err := marshalForTest(r)
	assert.NoError(t, err)
	assert.Contains(t, string(b), `"id":"a"`)
	assert.Contains(t, string(b), `"status":200`)

	p := pushFrame{PushType: "transaction", Data: "y", Status: 200}
	b, err = marshalForTest(p)
	assert.NoError(t, err)
	assert.Contains(t, string(b), `"pushType":"transaction"`)
	assert.NotContains(t, string(b), `"id"`)
}

func TestVersionFromPath(t *testing.T) {
	vr := protocol.NewVersionRegistry(events.NewRegistry())
	vr.Version("v1")

	v, ok := versionFromPath("/v1", vr)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	v, ok = versionFromPath("/api/V1", vr)
	assert.True(t, ok, "version match is case-insensitive")
	assert.Equal(t, "v1", v)

	_, ok = versionFromPath("/api/v2", vr)
	assert.False(t, ok)
}
