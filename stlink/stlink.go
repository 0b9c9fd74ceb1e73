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

// Package stlink drives the vendor DFU bootloader of ST-Link debug probes
// over USB bulk transfers: info/mode queries, encrypted block downloads and
// the erase/program loop that walks a firmware image onto flash.
package stlink

import (
	"errors"
	"fmt"
)

// BootloaderType identifies which of the two ST-Link bootloader families a
// session talks to. The two families differ in flash base offset, erase
// strategy, info response layout and encryption seed.
type BootloaderType int

const (
	// BootloaderV2 is the ST-Link v2/v2.1 bootloader (PID 0x3748).
	BootloaderV2 BootloaderType = iota
	// BootloaderV3 is the ST-Link v3 bootloader (PID 0x374D).
	BootloaderV3
)

func (t BootloaderType) String() string {
	if t == BootloaderV3 {
		return "V3"
	}
	return "V2"
}

// DeviceInfo holds the versions and identifier reported by the bootloader.
// It is populated once by ReadInfo and read-only afterwards.
type DeviceInfo struct {
	STLinkVersion int
	JTAGVersion   int
	SWIMVersion   int
	LoaderVersion uint16
	ID            [12]byte
}

// FirmwareVersion returns the version in ST's usual VxJySz notation.
func (i DeviceInfo) FirmwareVersion() string {
	return fmt.Sprintf("V%dJ%dS%d", i.STLinkVersion, i.JTAGVersion, i.SWIMVersion)
}

// IDString formats the 12-byte device identifier the way ST tools print it,
// with each 32-bit word byte-swapped.
func (i DeviceInfo) IDString() string {
	out := ""
	for w := 0; w < len(i.ID); w += 4 {
		out += fmt.Sprintf("%02X%02X%02X%02X", i.ID[w+3], i.ID[w+2], i.ID[w+1], i.ID[w])
	}
	return out
}

// Session is one open connection to an ST-Link bootloader. It owns the bulk
// transport for its lifetime and is not safe for concurrent use: the protocol
// is strictly half-duplex request/response.
type Session struct {
	transport   Transport
	bootloader  BootloaderType
	info        DeviceInfo
	firmwareKey [16]byte
}

// NewSession wraps an already-opened, interface-claimed bulk transport.
// Device discovery and endpoint selection happen elsewhere.
func NewSession(transport Transport, bootloader BootloaderType) *Session {
	return &Session{
		transport:  transport,
		bootloader: bootloader,
	}
}

// Bootloader returns the detected bootloader family.
func (s *Session) Bootloader() BootloaderType {
	return s.bootloader
}

// Info returns the device information populated by ReadInfo.
func (s *Session) Info() DeviceInfo {
	return s.info
}

// FirmwareKey returns the session firmware encryption key derived by ReadInfo.
func (s *Session) FirmwareKey() [16]byte {
	return s.firmwareKey
}

// Close releases the underlying transport.
func (s *Session) Close() error {
	if s.transport == nil {
		return nil
	}
	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("closing transport: %w", err)
	}
	return nil
}

// Fault kinds surfaced by the protocol layer. Callers dispatch with errors.Is.
var (
	// ErrShortTransfer is a bulk transfer that moved fewer bytes than the
	// wire format requires. Always fatal to the current operation.
	ErrShortTransfer = errors.New("short bulk transfer")
	// ErrWriteProtected is reported by the target when flash read-only
	// protection is active (DFU status errVENDOR).
	ErrWriteProtected = errors.New("read-only protection active")
	// ErrInvalidAddress is reported by the target for an address outside
	// its flash layout (DFU status errTARGET).
	ErrInvalidAddress = errors.New("invalid address")
	// ErrUnexpectedState is an unexpected DFU state during a download poll.
	ErrUnexpectedState = errors.New("unexpected DFU state")
	// ErrUnexpectedStatus is an unrecognized DFU status code.
	ErrUnexpectedStatus = errors.New("unexpected DFU status")
)
