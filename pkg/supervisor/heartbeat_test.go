package supervisor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReadHeartbeats_DecodesLines(t *testing.T) {
	input := strings.NewReader(`{"memoryMB":128}` + "\n" + `{"memoryMB":256}` + "\n")

	var beats []heartbeat
	readHeartbeats(input, func(hb heartbeat) { beats = append(beats, hb) })

	assert.Equal(t, []heartbeat{{MemoryMB: 128}, {MemoryMB: 256}}, beats)
}

func TestReadHeartbeats_SkipsMalformedLines(t *testing.T) {
	input := strings.NewReader("garbage\n" + `{"memoryMB":64}` + "\n")

	var beats []heartbeat
	readHeartbeats(input, func(hb heartbeat) { beats = append(beats, hb) })

	assert.Equal(t, []heartbeat{{MemoryMB: 64}}, beats)
}

func TestResidentMemoryMB_ReportsSomething(t *testing.T) {
	assert.Greater(t, residentMemoryMB(), int64(0))
}

type fakeExitError struct{ code int }

func (e *fakeExitError) Error() string { return "exit" }
func (e *fakeExitError) ExitCode() int { return e.code }

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, 0, exitCodeOf(nil))
	assert.Equal(t, 53, exitCodeOf(&fakeExitError{code: 53}))
	assert.Equal(t, -1, exitCodeOf(errors.New("not an exit error")))
}

func TestWorkerProc_LivenessMissCounting(t *testing.T) {
	wp := &workerProc{
		id:            1,
		status:        WorkerStatusRunning,
		lastHeartbeat: time.Now().Add(-3 * heartbeatInterval),
	}

	h := wp.checkLiveness(time.Now())
	assert.Equal(t, 1, h.MissedHeartbeats)
	h = wp.checkLiveness(time.Now())
	assert.Equal(t, 2, h.MissedHeartbeats)

	wp.recordHeartbeat(heartbeat{MemoryMB: 42})
	h = wp.checkLiveness(time.Now())
	assert.Equal(t, 0, h.MissedHeartbeats)
	assert.Equal(t, int64(42), h.MemoryMB)
}
