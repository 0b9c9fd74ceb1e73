/*
	stlink-tool
	Copyright (c) 2018 Jean THOMAS.
	Copyright (c) 2022-2024 1BitSquared <info@1bitsquared.com>

	Permission is hereby granted, free of charge, to any person obtaining
	a copy of this software and associated documentation files (the "Software"),
	to deal in the Software without restriction, including without limitation
	the rights to use, copy, modify, merge, publish, distribute, sublicense,
	and/or sell copies of the Software, and to permit persons to whom the
	Software is furnished to do so, subject to the following conditions:
	The above copyright notice and this permission notice shall be included
	in all copies or substantial portions of the Software.

	THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
	EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES
	OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
	IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
	CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
	TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
	SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

package stlink

import (
	"errors"
	"sync"
)

// Transport is a claimed pair of bulk endpoints on an opened USB device.
// Write sends on the OUT endpoint, Read receives from the IN endpoint; both
// block until completion or the implementation's transfer timeout. The usb
// package provides the gousb-backed implementation.
type Transport interface {
	Write(data []byte) (int, error)
	Read(data []byte) (int, error)
	Close() error
}

// MockTransport is a scripted Transport for tests. Reads are served from a
// queue in order, every write is recorded, and errors can be injected for a
// specific write or read by index.
type MockTransport struct {
	mu        sync.Mutex
	reads     [][]byte
	writes    [][]byte
	writeErrs map[int]error
	readErrs  map[int]error
	nReads    int
	closed    bool
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		writeErrs: make(map[int]error),
		readErrs:  make(map[int]error),
	}
}

// QueueRead appends a response to be returned by a future Read call.
func (m *MockTransport) QueueRead(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, data)
}

// SetWriteError injects an error for the n-th Write call (0-based).
func (m *MockTransport) SetWriteError(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErrs[n] = err
}

// SetReadError injects an error for the n-th Read call (0-based).
func (m *MockTransport) SetReadError(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrs[n] = err
}

// Write implements Transport, recording the transmitted bytes.
func (m *MockTransport) Write(data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("transport closed")
	}
	if err, ok := m.writeErrs[len(m.writes)]; ok {
		m.writes = append(m.writes, nil)
		return 0, err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.writes = append(m.writes, buf)
	return len(data), nil
}

// Read implements Transport, serving the next queued response.
func (m *MockTransport) Read(data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("transport closed")
	}
	n := m.nReads
	m.nReads++
	if err, ok := m.readErrs[n]; ok {
		return 0, err
	}
	if len(m.reads) == 0 {
		return 0, errors.New("no queued response")
	}
	resp := m.reads[0]
	m.reads = m.reads[1:]
	return copy(data, resp), nil
}

// Close implements Transport.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Writes returns everything written so far, one slice per Write call. A nil
// entry marks a write that failed by injection.
func (m *MockTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}
