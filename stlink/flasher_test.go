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
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/arduino/go-paths-helper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFirmware(t *testing.T, data []byte) *paths.Path {
	t.Helper()
	file := paths.New(t.TempDir()).Join("firmware.bin")
	require.NoError(t, file.WriteFile(data))
	return file
}

// queueDownloadStatus scripts the two poll responses of one successful
// download exchange.
func queueDownloadStatus(m *MockTransport) {
	m.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy))
	m.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadIdle))
}

func TestFlashFirmwareV2(t *testing.T) {
	firmware := make([]byte, 2*chunkSize)
	for i := range firmware {
		firmware[i] = byte(i * 7)
	}
	file := writeTempFirmware(t, firmware)

	mock := NewMockTransport()
	// Erase, set-address and block download per chunk, each polled twice.
	for i := 0; i < 6; i++ {
		queueDownloadStatus(mock)
	}
	session := NewSession(mock, BootloaderV2)

	var out bytes.Buffer
	require.NoError(t, session.FlashFirmware(file, &out))
	assert.Equal(t, "..\n", out.String())

	writes := mock.Writes()
	require.Len(t, writes, 24)

	key := session.FirmwareKey()
	for chunk := 0; chunk < 2; chunk++ {
		address := baseOffsetV2 + uint32(chunk)*chunkSize
		w := writes[chunk*12:]

		erase := w[1]
		require.Len(t, erase, 5)
		assert.Equal(t, byte(flashErase), erase[0])
		assert.Equal(t, address, binary.LittleEndian.Uint32(erase[1:]))

		setAddress := w[5]
		require.Len(t, setAddress, 5)
		assert.Equal(t, byte(flashSetAddress), setAddress[0])
		assert.Equal(t, address, binary.LittleEndian.Uint32(setAddress[1:]))

		plain := firmware[chunk*chunkSize : (chunk+1)*chunkSize]
		header := w[8]
		assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(header[2:]))
		assert.Equal(t, Checksum(plain), binary.LittleEndian.Uint16(header[4:]))
		assert.Equal(t, uint16(chunkSize), binary.LittleEndian.Uint16(header[6:]))

		payload := make([]byte, chunkSize)
		copy(payload, plain)
		encrypt(key[:], payload)
		assert.Equal(t, payload, w[9])
	}
}

func TestFlashFirmwareV3SectorErase(t *testing.T) {
	firmware := make([]byte, 2*chunkSize)
	for i := range firmware {
		firmware[i] = byte(i)
	}
	file := writeTempFirmware(t, firmware)

	mock := NewMockTransport()
	// Chunk 0 starts on a sector boundary and gets an erase; chunk 1 does not.
	for i := 0; i < 5; i++ {
		queueDownloadStatus(mock)
	}
	session := NewSession(mock, BootloaderV3)
	session.info.STLinkVersion = 3

	var out bytes.Buffer
	require.NoError(t, session.FlashFirmware(file, &out))
	assert.Contains(t, out.String(), "Erased sector 5\n")

	writes := mock.Writes()
	require.Len(t, writes, 20)

	sectorErase := writes[1]
	assert.Equal(t, []byte{flashEraseSector, 0x05, 0x00, 0x00, 0x00}, sectorErase)

	setAddress := writes[5]
	assert.Equal(t, byte(flashSetAddress), setAddress[0])
	assert.Equal(t, baseOffsetV3, binary.LittleEndian.Uint32(setAddress[1:]))

	// Chunk 1 goes straight to set-address.
	setAddress = writes[12+1]
	assert.Equal(t, byte(flashSetAddress), setAddress[0])
	assert.Equal(t, baseOffsetV3+chunkSize, binary.LittleEndian.Uint32(setAddress[1:]))

	// A v3 payload is transformed with the fixed constant before
	// checksumming, then encrypted with the session key.
	plain := make([]byte, chunkSize)
	copy(plain, firmware[:chunkSize])
	encrypt(payloadKeyV3, plain)
	header := writes[8]
	assert.Equal(t, Checksum(plain), binary.LittleEndian.Uint16(header[4:]))
	key := session.FirmwareKey()
	encrypt(key[:], plain)
	assert.Equal(t, plain, writes[9])
}

func TestFlashFirmwareShortFinalChunk(t *testing.T) {
	firmware := make([]byte, chunkSize+512)
	for i := range firmware {
		firmware[i] = 0xA5
	}
	file := writeTempFirmware(t, firmware)

	mock := NewMockTransport()
	for i := 0; i < 6; i++ {
		queueDownloadStatus(mock)
	}
	session := NewSession(mock, BootloaderV2)

	var out bytes.Buffer
	require.NoError(t, session.FlashFirmware(file, &out))

	writes := mock.Writes()
	require.Len(t, writes, 24)

	// The final block still travels as a whole chunk, zero-padded past the
	// image tail, and the header describes the padded block.
	padded := make([]byte, chunkSize)
	copy(padded, firmware[chunkSize:])
	header := writes[12+8]
	assert.Equal(t, uint16(chunkSize), binary.LittleEndian.Uint16(header[6:]))
	assert.Equal(t, Checksum(padded), binary.LittleEndian.Uint16(header[4:]))

	key := session.FirmwareKey()
	encrypt(key[:], padded)
	assert.Equal(t, padded, writes[12+9])
}

func TestFlashFirmwareEmptyFile(t *testing.T) {
	file := writeTempFirmware(t, nil)
	session := NewSession(NewMockTransport(), BootloaderV2)

	err := session.FlashFirmware(file, &bytes.Buffer{})
	require.ErrorContains(t, err, "is empty")
}

func TestFlashFirmwareMissingFile(t *testing.T) {
	file := paths.New(t.TempDir()).Join("nope.bin")
	session := NewSession(NewMockTransport(), BootloaderV2)

	err := session.FlashFirmware(file, &bytes.Buffer{})
	require.Error(t, err)
}

func TestFlashFirmwareAbortsOnFault(t *testing.T) {
	file := writeTempFirmware(t, make([]byte, chunkSize))

	mock := NewMockTransport()
	// The erase fails its second poll with the write-protection status.
	mock.QueueRead(statusResponse(StatusOK, 0, StateDFUDownloadBusy))
	mock.QueueRead(statusResponse(StatusErrVendor, 0, StateDFUIdle))
	session := NewSession(mock, BootloaderV2)

	err := session.FlashFirmware(file, &bytes.Buffer{})
	require.ErrorIs(t, err, ErrWriteProtected)

	// Nothing past the failed erase went out.
	require.Len(t, mock.Writes(), 4)
}
