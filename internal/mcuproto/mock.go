package mcuproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// MockConn is an in-memory io.ReadWriteCloser standing in for the serial
// line, in the same spirit as the teacher's dxl/driver_test.go
// MockSerialPort. Handler is invoked with each decoded request and returns
// the response to encode back, letting tests script MCU behavior without a
// real firmware.
type MockConn struct {
	mu      sync.Mutex
	inbox   bytes.Buffer
	outbox  bytes.Buffer
	closed  bool
	Handler func(Request) (Response, error)
}

func NewMockConn(handler func(Request) (Response, error)) *MockConn {
	return &MockConn{Handler: handler}
}

func (m *MockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("mock: closed")
	}
	n, err := m.inbox.Write(b)
	if err != nil {
		return n, err
	}
	if i := bytes.IndexByte(m.inbox.Bytes(), '\n'); i >= 0 {
		line := make([]byte, i)
		copy(line, m.inbox.Bytes()[:i])
		m.inbox.Next(i + 1)

		var req Request
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			return n, nil
		}
		resp, hErr := m.Handler(req)
		if hErr != nil {
			return n, nil
		}
		out, _ := json.Marshal(resp)
		out = append(out, '\n')
		m.outbox.Write(out)
	}
	return n, nil
}

func (m *MockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outbox.Len() == 0 {
		if m.closed {
			return 0, io.EOF
		}
		return 0, errNoData
	}
	return m.outbox.Read(b)
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errNoData = errors.New("mock: no data yet")

// StaticOpener wraps pre-built connections as an Opener that hands out each
// of them exactly once, in order, then fails, so a reconnect moves on to
// the next connection.
func StaticOpener(conns ...io.ReadWriteCloser) Opener {
	idx := 0
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if idx >= len(conns) {
			return nil, errors.New("mock: no more connections to open")
		}
		c := conns[idx]
		idx++
		return c, nil
	}
}
