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

package probe

import (
	"fmt"
	"os"

	"github.com/skrimix/stlink-tool/cli/common"
	"github.com/skrimix/stlink-tool/cli/feedback"
	"github.com/spf13/cobra"
)

// NewCommand creates a new `probe` command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "probe",
		Short:   "Probes the ST-Link bootloader.",
		Long:    "Finds an ST-Link in DFU mode and prints its versions, identifier and firmware encryption key.",
		Example: "  " + os.Args[0] + " probe",
		Args:    cobra.NoArgs,
		Run:     runProbe,
	}
}

func runProbe(cmd *cobra.Command, args []string) {
	session := common.OpenSession()
	defer session.Close()

	mode := common.CheckMode(session)

	info := session.Info()
	key := session.FirmwareKey()
	feedback.PrintResult(&probeResult{
		BootloaderType:  session.Bootloader().String(),
		FirmwareVersion: info.FirmwareVersion(),
		LoaderVersion:   info.LoaderVersion,
		ID:              info.IDString(),
		FirmwareKey:     fmt.Sprintf("%X", key[:]),
		CurrentMode:     mode,
	})
}

type probeResult struct {
	BootloaderType  string `json:"bootloader_type"`
	FirmwareVersion string `json:"firmware_version"`
	LoaderVersion   uint16 `json:"loader_version"`
	ID              string `json:"id"`
	FirmwareKey     string `json:"firmware_key"`
	CurrentMode     uint16 `json:"current_mode"`
}

func (r *probeResult) String() string {
	return fmt.Sprintf(
		"Bootloader type : %s\n"+
			"Firmware version : %s\n"+
			"Loader version : %d\n"+
			"ST-Link ID : %s\n"+
			"Firmware encryption key : %s\n"+
			"Current mode : %d",
		r.BootloaderType, r.FirmwareVersion, r.LoaderVersion, r.ID, r.FirmwareKey, r.CurrentMode)
}

// Data implements feedback.Result interface
func (r *probeResult) Data() interface{} {
	return r
}
