package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_AcceptsAndHandlesConnections(t *testing.T) {
	handled := make(chan string, 1)
	s, err := New(Config{Addr: "127.0.0.1:0"}, func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		handled <- line
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run binds port 0 in the background; after a short wait, read the
	// bound listener back from s.ln and dial it to assert Run's accept
	// behavior end-to-end.
	go func() { _ = s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	require.NotNil(t, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	select {
	case line := <-handled:
		assert.Equal(t, "hello\n", line)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	_ = conn.Close()
	s.Shutdown(true)
}

func TestServer_ShutdownClosesListener(t *testing.T) {
	s, err := New(Config{Addr: "127.0.0.1:0"}, func(ctx context.Context, conn net.Conn) {
		<-ctx.Done()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	s.Shutdown(false)
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestClearIdleTimeout_DoesNotPanic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		ClearIdleTimeout(c)
		_, _ = io.Copy(io.Discard, c)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(10 * time.Millisecond)
	// No assertion beyond "does not panic/deadlock" — SetReadDeadline with
	// a zero Time simply clears any existing deadline.
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	b := minBackoff
	for i := 0; i < 20; i++ {
		b = nextBackoff(b)
	}
	assert.Equal(t, maxBackoff, b)
}
