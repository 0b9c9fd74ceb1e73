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

package boot

import (
	"os"

	"github.com/skrimix/stlink-tool/cli/common"
	"github.com/skrimix/stlink-tool/cli/feedback"
	"github.com/spf13/cobra"
)

// NewCommand creates a new `boot` command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "boot",
		Short:   "Starts the application firmware.",
		Long:    "Asks the ST-Link bootloader to leave DFU mode and start the application firmware.",
		Example: "  " + os.Args[0] + " boot",
		Args:    cobra.NoArgs,
		Run:     runBoot,
	}
}

func runBoot(cmd *cobra.Command, args []string) {
	session := common.OpenSession()
	defer session.Close()
	common.CheckMode(session)

	if err := session.ExitDFU(); err != nil {
		feedback.Errorf("Error starting application: %s", err)
		feedback.FatalError(err, feedback.ErrGeneric)
	}
	feedback.Print("Application started.")
}
