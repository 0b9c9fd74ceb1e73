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
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Canned 6-byte status responses.
func statusResponse(status Status, pollTimeoutMs uint32, state State) []byte {
	return []byte{
		byte(status),
		byte(pollTimeoutMs), byte(pollTimeoutMs >> 8), byte(pollTimeoutMs >> 16),
		byte(state),
		0x00,
	}
}

func TestChecksum(t *testing.T) {
	require.Equal(t, uint16(0), Checksum(nil))
	require.Equal(t, uint16(6), Checksum([]byte{1, 2, 3}))

	// Additive and order-independent modulo 2^16.
	a := []byte{0xFF, 0xFF, 0x10}
	b := []byte{0x80, 0x70}
	ab := append(append([]byte{}, a...), b...)
	ba := append(append([]byte{}, b...), a...)
	require.Equal(t, Checksum(a)+Checksum(b), Checksum(ab))
	require.Equal(t, Checksum(ab), Checksum(ba))
}

func TestDFUModeQuery(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead([]byte{0x80, 0x00})

	mode, err := DFUMode(mock, false)
	require.NoError(t, err)
	assert.Equal(t, ModeDFU, mode)

	writes := mock.Writes()
	require.Len(t, writes, 1)
	require.Len(t, writes[0], 16)
	assert.Equal(t, byte(0xF9), writes[0][0])
	assert.Equal(t, byte(0x00), writes[0][1])
}

func TestDFUModeTrigger(t *testing.T) {
	mock := NewMockTransport()

	_, err := DFUMode(mock, true)
	require.NoError(t, err)

	writes := mock.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, byte(0xF9), writes[0][0])
	// The trigger variant carries the download command code and reads no
	// response: the device re-enumerates instead of answering.
	assert.Equal(t, byte(dfuDnload), writes[0][1])
}

func TestDFUModeTransportError(t *testing.T) {
	mock := NewMockTransport()
	mock.SetWriteError(0, errors.New("pipe error"))

	_, err := DFUMode(mock, false)
	require.Error(t, err)
}

func TestCurrentMode(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead([]byte{0x00, 0x01})
	session := NewSession(mock, BootloaderV2)

	mode, err := session.CurrentMode()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0001), mode)

	writes := mock.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, byte(0xF5), writes[0][0])
}

func TestReadInfoV2(t *testing.T) {
	mock := NewMockTransport()
	// V2J29S7, loader 4: version nibble 2, jtag 0b011101, swim 0b000111.
	mock.QueueRead([]byte{0x27, 0x47, 0x00, 0x00, 0x04, 0x00})
	idResponse := []byte{
		0xDE, 0xAD, 0xBE, 0xEF, // key material head
		0x00, 0x00, 0x00, 0x00,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, // device ID
	}
	mock.QueueRead(idResponse)
	session := NewSession(mock, BootloaderV2)

	require.NoError(t, session.ReadInfo())

	info := session.Info()
	assert.Equal(t, 2, info.STLinkVersion)
	assert.Equal(t, 29, info.JTAGVersion)
	assert.Equal(t, 7, info.SWIMVersion)
	assert.Equal(t, uint16(4), info.LoaderVersion)
	assert.Equal(t, "V2J29S7", info.FirmwareVersion())
	assert.Equal(t, idResponse[8:20], info.ID[:])

	// Two frames on the wire: the info query and the identity sub-query.
	writes := mock.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{0xF1, 0x80}, writes[0][:2])
	assert.Equal(t, []byte{0xF3, 0x08}, writes[1][:2])

	// The firmware key is the raw identity material run through the cipher
	// under the pre-v3 seed.
	var want [16]byte
	copy(want[0:4], idResponse[0:4])
	copy(want[4:16], idResponse[8:20])
	encrypt(keySeedV2, want[:])
	assert.Equal(t, want, session.FirmwareKey())
}

func TestReadInfoV3(t *testing.T) {
	mock := NewMockTransport()
	// Version nibble 3 routes to the extended info query.
	mock.QueueRead([]byte{0x30, 0x00, 0x00, 0x00, 0x00, 0x00})
	mock.QueueRead([]byte{0x00, 0x03, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 0x00})
	idResponse := make([]byte, 20)
	for i := range idResponse {
		idResponse[i] = byte(0x40 + i)
	}
	mock.QueueRead(idResponse)
	session := NewSession(mock, BootloaderV3)

	require.NoError(t, session.ReadInfo())

	info := session.Info()
	assert.Equal(t, 3, info.STLinkVersion)
	assert.Equal(t, 7, info.JTAGVersion)
	assert.Equal(t, 3, info.SWIMVersion)
	assert.Equal(t, uint16(5), info.LoaderVersion)
	assert.Equal(t, idResponse[8:20], info.ID[:])

	writes := mock.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, []byte{0xF1, 0x80}, writes[0][:2])
	assert.Equal(t, []byte{0xFB, 0x80}, writes[1][:2])
	assert.Equal(t, []byte{0xF3, 0x08}, writes[2][:2])

	var want [16]byte
	copy(want[0:4], idResponse[0:4])
	copy(want[4:16], idResponse[8:20])
	encrypt(keySeedV3, want[:])
	assert.Equal(t, want, session.FirmwareKey())
}

func TestReadInfoTransportError(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead([]byte{0x27, 0x47, 0x00, 0x00, 0x04, 0x00})
	mock.SetWriteError(1, errors.New("pipe error"))
	session := NewSession(mock, BootloaderV2)

	require.Error(t, session.ReadInfo())
	// No partial state is retained.
	assert.Equal(t, DeviceInfo{}, session.Info())
	assert.Equal(t, [16]byte{}, session.FirmwareKey())
}

func TestDownloadSuccess(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 1, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadIdle))
	session := NewSession(mock, BootloaderV2)

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	plain := make([]byte, len(payload))
	copy(plain, payload)

	require.NoError(t, session.Download(payload, 2))

	// Header, payload, then one status frame per poll phase.
	writes := mock.Writes()
	require.Len(t, writes, 4)

	header := writes[0]
	require.Len(t, header, 16)
	assert.Equal(t, byte(stDFUMagic), header[0])
	assert.Equal(t, byte(dfuDnload), header[1])
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(header[2:]))
	assert.Equal(t, Checksum(plain), binary.LittleEndian.Uint16(header[4:]))
	assert.Equal(t, uint16(len(plain)), binary.LittleEndian.Uint16(header[6:]))

	// Firmware blocks leave the host encrypted under the session key.
	encrypted := make([]byte, len(plain))
	copy(encrypted, plain)
	key := session.FirmwareKey()
	encrypt(key[:], encrypted)
	assert.Equal(t, encrypted, writes[1])

	assert.Equal(t, byte(stDFUMagic), writes[2][0])
	assert.Equal(t, byte(dfuGetStatus), writes[2][1])
	assert.Equal(t, byte(0x06), writes[2][6])
}

func TestDownloadControlBlockNotEncrypted(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadIdle))
	session := NewSession(mock, BootloaderV2)

	command := []byte{flashSetAddress, 0x00, 0x40, 0x00, 0x08}
	require.NoError(t, session.SetAddress(0x08004000))

	writes := mock.Writes()
	require.Len(t, writes, 4)
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(writes[0][2:]))
	assert.Equal(t, command, writes[1])
}

func TestDownloadUnexpectedFirstState(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUIdle))
	session := NewSession(mock, BootloaderV2)

	err := session.Download(make([]byte, 16), 2)
	require.ErrorIs(t, err, ErrUnexpectedState)
}

func TestDownloadUnexpectedFirstStatus(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(Status(0x0E), 0, StateDFUDownloadBusy))
	session := NewSession(mock, BootloaderV2)

	err := session.Download(make([]byte, 16), 2)
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestDownloadWriteProtected(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(StatusErrVendor, 0, StateDFUIdle))
	session := NewSession(mock, BootloaderV2)

	err := session.Download(make([]byte, 16), 2)
	require.ErrorIs(t, err, ErrWriteProtected)
	require.NotErrorIs(t, err, ErrInvalidAddress)
}

func TestDownloadInvalidAddress(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(StatusErrTarget, 0, StateDFUIdle))
	session := NewSession(mock, BootloaderV2)

	err := session.Download(make([]byte, 16), 2)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDownloadUnknownError(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(Status(0x0E), 0, StateDFUIdle))
	session := NewSession(mock, BootloaderV2)

	err := session.Download(make([]byte, 16), 2)
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestDownloadObservesPollTimeout(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 20, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadIdle))
	session := NewSession(mock, BootloaderV2)

	start := time.Now()
	require.NoError(t, session.Download(make([]byte, 16), 2))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDownloadShortTransfer(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy)[:4])
	session := NewSession(mock, BootloaderV2)

	err := session.Download(make([]byte, 16), 2)
	require.ErrorIs(t, err, ErrShortTransfer)
}

func TestEraseCommands(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadIdle))
	session := NewSession(mock, BootloaderV2)

	require.NoError(t, session.Erase(0x08004400))
	writes := mock.Writes()
	require.Len(t, writes, 4)
	command := writes[1]
	require.Len(t, command, 5)
	assert.Equal(t, byte(flashErase), command[0])
	assert.Equal(t, uint32(0x08004400), binary.LittleEndian.Uint32(command[1:]))

	mock = NewMockTransport()
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadIdle))
	session = NewSession(mock, BootloaderV3)

	require.NoError(t, session.SectorErase(5))
	writes = mock.Writes()
	require.Len(t, writes, 4)
	assert.Equal(t, []byte{flashEraseSector, 0x05, 0x00, 0x00, 0x00}, writes[1])
}

func TestExitDFU(t *testing.T) {
	mock := NewMockTransport()
	session := NewSession(mock, BootloaderV2)

	require.NoError(t, session.ExitDFU())

	writes := mock.Writes()
	require.Len(t, writes, 1)
	require.Len(t, writes[0], 16)
	assert.Equal(t, byte(stDFUMagic), writes[0][0])
	assert.Equal(t, byte(dfuExit), writes[0][1])
}

func TestStatusDecode(t *testing.T) {
	mock := NewMockTransport()
	mock.QueueRead([]byte{0x0B, 0x10, 0x02, 0x00, 0x05, 0x07})
	session := NewSession(mock, BootloaderV2)

	status, err := session.status()
	require.NoError(t, err)
	assert.Equal(t, StatusErrVendor, status.Status)
	assert.Equal(t, 528*time.Millisecond, status.PollTimeout)
	assert.Equal(t, StateDFUDownloadIdle, status.State)
	assert.Equal(t, byte(0x07), status.StringIndex)
}
