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

// Package usb finds ST-Link probes on the bus, switches application-mode
// devices into the bootloader and hands the stlink package a claimed bulk
// transport. All protocol logic lives in the stlink package; this one only
// enumerates, opens and moves bytes.
package usb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
	"github.com/skrimix/stlink-tool/stlink"
	"golang.org/x/exp/slices"
)

// USB identifiers of everything the scanner reacts to.
const (
	VendorSTMicro gousb.ID = 0x0483

	productSTLinkMask  gousb.ID = 0xFFE0
	productSTLinkGroup gousb.ID = 0x3740

	ProductSTLinkV2      gousb.ID = 0x3748
	ProductSTLinkV21     gousb.ID = 0x374B
	ProductSTLinkV21MSD  gousb.ID = 0x3752
	ProductSTLinkV3NoMSD gousb.ID = 0x3754
	ProductSTLinkV3BL    gousb.ID = 0x374D
	ProductSTLinkV3      gousb.ID = 0x374F
	ProductSTLinkV3E     gousb.ID = 0x374E

	// Black Magic Probe running its application firmware; it carries a DFU
	// interface that accepts a detach request.
	VendorOpenMoko gousb.ID = 0x1D50
	ProductBMPAppl gousb.ID = 0x6018
	bmpDFUIface            = 4

	VendorSegger gousb.ID = 0x1366
)

// applicationPIDs are ST-Link probes running application firmware: they must
// be asked to switch into the bootloader before flashing.
var applicationPIDs = []gousb.ID{
	ProductSTLinkV21,
	ProductSTLinkV21MSD,
	ProductSTLinkV3,
	ProductSTLinkV3NoMSD,
	ProductSTLinkV3E,
}

// usbTimeout bounds every bulk transfer. The protocol is synchronous; a
// transfer either completes within this window or the operation fails.
const usbTimeout = 5000 * time.Millisecond

// maxRescans bounds the enumerate/switch/re-enumerate loop.
const maxRescans = 5

// ErrNoDevice means no ST-Link bootloader was found after switching attempts.
var ErrNoDevice = errors.New("no ST-Link in DFU mode found")

// ErrWrongMode means the bootloader is present but not in a flashable mode;
// replugging the probe resets it.
var ErrWrongMode = errors.New("ST-Link is not in the correct mode")

// Options controls device discovery.
type Options struct {
	// JLinkSwitch enables switching a SEGGER J-Link (a converted ST-Link)
	// back to the ST-Link bootloader before scanning for it.
	JLinkSwitch bool
}

// Open scans the bus until an ST-Link bootloader is claimed, switching
// application-mode probes (and optionally J-Links) over as it goes. The
// returned session owns the USB context, device handle and endpoints until
// Close.
func Open(opts Options) (*stlink.Session, error) {
	ctx := gousb.NewContext()
	session, err := scan(ctx, opts)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	return session, nil
}

func scan(ctx *gousb.Context, opts Options) (*stlink.Session, error) {
	jlinkSwitch := opts.JLinkSwitch
	for attempt := 0; attempt < maxRescans; attempt++ {
		devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return interesting(desc, jlinkSwitch)
		})
		if err != nil && len(devs) == 0 {
			err = fmt.Errorf("enumerating devices: %w", err)
			logrus.Error(err)
			return nil, err
		}

		session, rescan, err := pick(ctx, devs, &jlinkSwitch)
		if session != nil || err != nil {
			return session, err
		}
		if !rescan {
			break
		}
	}
	return nil, ErrNoDevice
}

func interesting(desc *gousb.DeviceDesc, jlinkSwitch bool) bool {
	if desc.Vendor == VendorOpenMoko && desc.Product == ProductBMPAppl {
		return true
	}
	if jlinkSwitch && desc.Vendor == VendorSegger {
		return true
	}
	return desc.Vendor == VendorSTMicro && desc.Product&productSTLinkMask == productSTLinkGroup
}

// pick walks the opened devices and either claims a bootloader or performs
// one mode switch. Every device not kept is closed before returning. rescan
// reports that a switch was issued and the bus must be enumerated again.
func pick(ctx *gousb.Context, devs []*gousb.Device, jlinkSwitch *bool) (session *stlink.Session, rescan bool, err error) {
	defer func() {
		for _, d := range devs {
			if d != nil {
				d.Close()
			}
		}
	}()

	for i, dev := range devs {
		desc := dev.Desc
		switch {
		case desc.Vendor == VendorOpenMoko:
			logrus.Info("Switching Black Magic Probe application to bootloader")
			if err := detachBMP(dev); err != nil {
				logrus.Error(err)
				continue
			}
			time.Sleep(2 * time.Second)
			return nil, true, nil

		case desc.Vendor == VendorSegger:
			logrus.Infof("Found SEGGER device %s:%s, switching to ST-Link bootloader", desc.Vendor, desc.Product)
			if err := switchJLink(dev); err != nil {
				logrus.Error(err)
				return nil, false, err
			}
			*jlinkSwitch = false
			time.Sleep(5 * time.Second)
			return nil, true, nil

		case desc.Product == ProductSTLinkV2:
			logrus.Info("ST-Link v2/v2.1 bootloader found")
			session, err := claim(ctx, dev, stlink.BootloaderV2, 1, 2)
			if err != nil {
				continue
			}
			devs[i] = nil
			return session, false, nil

		case desc.Product == ProductSTLinkV3BL:
			logrus.Info("ST-Link v3 bootloader found")
			session, err := claim(ctx, dev, stlink.BootloaderV3, 1, 1)
			if err != nil {
				continue
			}
			devs[i] = nil
			return session, false, nil

		case slices.Contains(applicationPIDs, desc.Product):
			logrus.Info("Switching ST-Link application to bootloader")
			rescan, err := triggerBootloader(dev)
			if err != nil {
				continue
			}
			if !rescan {
				return nil, false, ErrWrongMode
			}
			time.Sleep(2 * time.Second)
			return nil, true, nil

		default:
			logrus.Warnf("Unknown STM product ID %s, please report", desc.Product)
		}
	}
	return nil, false, nil
}

// claim takes ownership of a bootloader device: default interface, bulk
// endpoint pair, session. On success the device is owned by the session.
func claim(ctx *gousb.Context, dev *gousb.Device, bl stlink.BootloaderType, inNum, outNum int) (*stlink.Session, error) {
	transport, err := newBulkTransport(dev, inNum, outNum)
	if err != nil {
		logrus.Error(err)
		return nil, err
	}
	transport.usbCtx = ctx
	return stlink.NewSession(transport, bl), nil
}

// triggerBootloader asks an application-mode probe to reboot into its
// bootloader. It reports whether the trigger was sent; a probe in any mode
// other than the DFU-ready one cannot be switched and needs a replug.
func triggerBootloader(dev *gousb.Device) (bool, error) {
	transport, err := newBulkTransport(dev, 1, 1)
	if err != nil {
		return false, err
	}
	defer transport.release()

	mode, err := stlink.DFUMode(transport, false)
	if err != nil {
		return false, err
	}
	if mode != stlink.ModeDFU {
		return false, nil
	}
	if _, err := stlink.DFUMode(transport, true); err != nil {
		return false, err
	}
	return true, nil
}

// detachBMP sends the class DFU_DETACH request to a Black Magic Probe's DFU
// interface, after which it re-enumerates in its bootloader.
func detachBMP(dev *gousb.Device) error {
	cfg, err := dev.Config(1)
	if err != nil {
		return fmt.Errorf("claiming BMP configuration: %w", err)
	}
	defer cfg.Close()
	intf, err := cfg.Interface(bmpDFUIface, 0)
	if err != nil {
		return fmt.Errorf("claiming BMP DFU interface: %w", err)
	}
	defer intf.Close()

	// bmRequestType OUT|CLASS|INTERFACE, bRequest DFU_DETACH, wValue is the
	// detach timeout in milliseconds.
	rType := uint8(gousb.ControlOut | gousb.ControlClass | gousb.ControlInterface)
	if _, err := dev.Control(rType, 0, 1000, bmpDFUIface, nil); err != nil {
		return fmt.Errorf("BMP detach request: %w", err)
	}
	return nil
}

// bulkTransport implements stlink.Transport over one claimed gousb
// interface. Each transfer runs under the fixed timeout.
type bulkTransport struct {
	dev    *gousb.Device
	done   func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	usbCtx *gousb.Context
}

func newBulkTransport(dev *gousb.Device, inNum, outNum int) (*bulkTransport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("setting auto-detach: %w", err)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		return nil, fmt.Errorf("claiming interface: %w", err)
	}
	in, err := intf.InEndpoint(inNum)
	if err != nil {
		done()
		return nil, fmt.Errorf("opening IN endpoint %d: %w", inNum, err)
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		done()
		return nil, fmt.Errorf("opening OUT endpoint %d: %w", outNum, err)
	}
	return &bulkTransport{dev: dev, done: done, in: in, out: out}, nil
}

func (t *bulkTransport) Write(data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()
	return t.out.WriteContext(ctx, data)
}

func (t *bulkTransport) Read(data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()
	return t.in.ReadContext(ctx, data)
}

// release gives the interface back without closing the device. Used for the
// transient application-mode exchanges, where the device stays open for the
// enumeration loop to close.
func (t *bulkTransport) release() {
	t.done()
}

// Close releases the interface, the device and, when owned, the USB context.
func (t *bulkTransport) Close() error {
	t.done()
	err := t.dev.Close()
	if t.usbCtx != nil {
		if cerr := t.usbCtx.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("closing USB device: %w", err)
	}
	return nil
}
