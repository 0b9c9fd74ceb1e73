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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Every command travels as a fixed 16-byte frame; byte 0 is the
// discriminator, multi-byte fields are little-endian at fixed offsets. Only
// the two raw mode query responses are big-endian.
const frameSize = 16

const (
	dfuDnload    = 0x01
	dfuGetStatus = 0x03
	dfuExit      = 0x07

	stDFUInfo  = 0xF1
	stDFUMagic = 0xF3

	cmdGetCurrentMode = 0xF5
	cmdDFUMode        = 0xF9
	cmdInfoV3         = 0xFB
)

// Flash sub-commands, carried as 5-byte payloads of a block-0 download.
const (
	flashSetAddress  = 0x21
	flashErase       = 0x41
	flashEraseSector = 0x42
)

// ModeDFU is the mode code reported by an application-mode probe that is
// ready to be switched into the bootloader.
const ModeDFU uint16 = 0x8000

// Status is the DFU status code of the last operation.
type Status byte

// Status codes the protocol dispatches on. Everything else is unclassified.
const (
	StatusOK        Status = 0x00
	StatusErrTarget Status = 0x01
	StatusErrVendor Status = 0x0B
)

// State is the DFU protocol state.
type State byte

// States observed during a download poll. Any other state mid-download is a
// protocol fault.
const (
	StateDFUIdle         State = 0x02
	StateDFUDownloadBusy State = 0x04
	StateDFUDownloadIdle State = 0x05
)

// DFUStatus is the 6-byte record returned by every status query. The
// operation that preceded it is complete only once State reads
// StateDFUDownloadIdle after the poll wait.
type DFUStatus struct {
	Status      Status
	PollTimeout time.Duration
	State       State
	StringIndex byte
}

// Checksum sums payload bytes modulo the width of the 16-bit wire field. The
// device validates each received block against it before committing.
func Checksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

// write sends data on the OUT endpoint and requires the full transfer.
func write(t Transport, data []byte) error {
	n, err := t.Write(data)
	if err != nil {
		err = fmt.Errorf("bulk out transfer: %w", err)
		logrus.Error(err)
		return err
	}
	if n != len(data) {
		err = fmt.Errorf("bulk out transfer: %w: %d of %d bytes", ErrShortTransfer, n, len(data))
		logrus.Error(err)
		return err
	}
	return nil
}

// read fills buf from the IN endpoint and requires the full transfer.
func read(t Transport, buf []byte) error {
	n, err := t.Read(buf)
	if err != nil {
		err = fmt.Errorf("bulk in transfer: %w", err)
		logrus.Error(err)
		return err
	}
	if n != len(buf) {
		err = fmt.Errorf("bulk in transfer: %w: %d of %d bytes", ErrShortTransfer, n, len(buf))
		logrus.Error(err)
		return err
	}
	return nil
}

// DFUMode queries the DFU mode of an application-mode probe. With trigger
// set it instead requests the switch into the bootloader; no response is
// read in that case and the device re-enumerates. It operates on a bare
// transport because it runs before a bootloader session exists.
func DFUMode(t Transport, trigger bool) (uint16, error) {
	frame := make([]byte, frameSize)
	frame[0] = cmdDFUMode
	if trigger {
		frame[1] = dfuDnload
	}
	if err := write(t, frame); err != nil {
		return 0, err
	}
	if trigger {
		return 0, nil
	}
	resp := make([]byte, 2)
	if err := read(t, resp); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(resp), nil
}

// CurrentMode returns the probe's current mode word.
func (s *Session) CurrentMode() (uint16, error) {
	frame := make([]byte, frameSize)
	frame[0] = cmdGetCurrentMode
	if err := write(s.transport, frame); err != nil {
		return 0, err
	}
	resp := make([]byte, 2)
	if err := read(s.transport, resp); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(resp), nil
}

// ReadInfo populates the session's DeviceInfo and derives the firmware
// encryption key from the device identity. The response layout depends on
// the reported major version: pre-v3 probes pack two versions into the first
// two bytes, v3 probes answer a longer second query. Any transport error
// aborts without retaining partial state.
func (s *Session) ReadInfo() error {
	frame := make([]byte, frameSize)
	frame[0] = stDFUInfo
	frame[1] = 0x80
	if err := write(s.transport, frame); err != nil {
		return err
	}
	resp := make([]byte, 6)
	if err := read(s.transport, resp); err != nil {
		return err
	}

	var info DeviceInfo
	info.STLinkVersion = int(resp[0] >> 4)
	if info.STLinkVersion < 3 {
		info.JTAGVersion = int(resp[0]&0x0F)<<2 | int(resp[1]&0xC0)>>6
		info.SWIMVersion = int(resp[1] & 0x3F)
		info.LoaderVersion = binary.LittleEndian.Uint16(resp[4:])
	} else {
		frame = make([]byte, frameSize)
		frame[0] = cmdInfoV3
		frame[1] = 0x80
		if err := write(s.transport, frame); err != nil {
			return err
		}
		resp = make([]byte, 12)
		if err := read(s.transport, resp); err != nil {
			return err
		}
		info.SWIMVersion = int(resp[1])
		info.JTAGVersion = int(resp[2])
		info.LoaderVersion = binary.LittleEndian.Uint16(resp[10:])
	}

	// Second sub-query: device identifier plus raw key material.
	frame = make([]byte, frameSize)
	frame[0] = stDFUMagic
	frame[1] = 0x08
	if err := write(s.transport, frame); err != nil {
		return err
	}
	resp = make([]byte, 20)
	if err := read(s.transport, resp); err != nil {
		return err
	}
	copy(info.ID[:], resp[8:20])

	var key [16]byte
	copy(key[0:4], resp[0:4])
	copy(key[4:16], resp[8:20])
	deriveFirmwareKey(info.STLinkVersion, &key)

	s.info = info
	s.firmwareKey = key
	logrus.Debugf("device %s, loader %d, firmware key %X", info.FirmwareVersion(), info.LoaderVersion, key)
	return nil
}

// Download submits one block to the bootloader and drives the mandatory
// two-phase status poll to completion. Blocks numbered 2 and above are
// firmware payload: on v3 probes they are first transformed with the fixed
// v3 constant, and on every probe they are encrypted with the session key
// after checksumming. The payload buffer is modified in place.
//
// The device is stateful: it must report download-busy on the first poll,
// then download-idle after sleeping the device-dictated poll timeout. A
// second command issued before idle is rejected, so the wait is a protocol
// contract, not an optimization.
func (s *Session) Download(data []byte, blockNum uint16) error {
	if blockNum >= 2 && s.info.STLinkVersion == 3 {
		encrypt(payloadKeyV3, data)
	}

	request := make([]byte, frameSize)
	request[0] = stDFUMagic
	request[1] = dfuDnload
	binary.LittleEndian.PutUint16(request[2:], blockNum)
	binary.LittleEndian.PutUint16(request[4:], Checksum(data))
	binary.LittleEndian.PutUint16(request[6:], uint16(len(data)))

	if blockNum >= 2 {
		encrypt(s.firmwareKey[:], data)
	}

	if err := write(s.transport, request); err != nil {
		return err
	}
	if err := write(s.transport, data); err != nil {
		return err
	}

	status, err := s.status()
	if err != nil {
		return err
	}
	if status.State != StateDFUDownloadBusy {
		err = fmt.Errorf("%w: %d", ErrUnexpectedState, status.State)
		logrus.Error(err)
		return err
	}
	if status.Status != StatusOK {
		err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, status.Status)
		logrus.Error(err)
		return err
	}

	time.Sleep(status.PollTimeout)

	status, err = s.status()
	if err != nil {
		return err
	}
	if status.State == StateDFUDownloadIdle {
		return nil
	}
	switch status.Status {
	case StatusErrVendor:
		err = ErrWriteProtected
	case StatusErrTarget:
		err = ErrInvalidAddress
	default:
		err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, status.Status)
	}
	logrus.Error(err)
	return err
}

// status issues a DFU_GETSTATUS exchange and decodes the 6-byte response:
// status, 24-bit little-endian poll timeout in milliseconds, state, string
// index.
func (s *Session) status() (DFUStatus, error) {
	frame := make([]byte, frameSize)
	frame[0] = stDFUMagic
	frame[1] = dfuGetStatus
	frame[6] = 0x06
	if err := write(s.transport, frame); err != nil {
		return DFUStatus{}, err
	}
	resp := make([]byte, 6)
	if err := read(s.transport, resp); err != nil {
		return DFUStatus{}, err
	}
	timeout := uint32(resp[1]) | uint32(resp[2])<<8 | uint32(resp[3])<<16
	return DFUStatus{
		Status:      Status(resp[0]),
		PollTimeout: time.Duration(timeout) * time.Millisecond,
		State:       State(resp[4]),
		StringIndex: resp[5],
	}, nil
}

// Erase erases flash at the given absolute address (v2 bootloader; v3 uses
// SectorErase).
func (s *Session) Erase(address uint32) error {
	command := make([]byte, 5)
	command[0] = flashErase
	binary.LittleEndian.PutUint32(command[1:], address)
	return s.Download(command, 0)
}

// SectorErase erases one flash sector by table index (v3 bootloader).
func (s *Session) SectorErase(sector uint8) error {
	command := make([]byte, 5)
	command[0] = flashEraseSector
	command[1] = sector
	return s.Download(command, 0)
}

// SetAddress sets the device's flash address pointer. The bootloader keeps no
// implicit auto-increment across blocks, so this precedes every download.
func (s *Session) SetAddress(address uint32) error {
	command := make([]byte, 5)
	command[0] = flashSetAddress
	binary.LittleEndian.PutUint32(command[1:], address)
	return s.Download(command, 0)
}

// ExitDFU asks the bootloader to launch the application firmware. Success is
// the full 16-byte transfer; the device does not answer.
func (s *Session) ExitDFU() error {
	frame := make([]byte, frameSize)
	frame[0] = stDFUMagic
	frame[1] = dfuExit
	return write(s.transport, frame)
}
