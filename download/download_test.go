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

package download

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skrimix/stlink-tool/cli/globals"
	"github.com/stretchr/testify/require"
)

func TestDownloadFirmware(t *testing.T) {
	t.Cleanup(func() { globals.StlinkToolPath.RemoveAll() })

	content := []byte("not actually a firmware image")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	file, err := DownloadFirmware(server.URL + "/firmware-v37.bin")
	require.NoError(t, err)
	require.Equal(t, "firmware-v37.bin", file.Base())

	data, err := file.ReadFile()
	require.NoError(t, err)
	require.Equal(t, content, data)
}

func TestDownloadFirmwareNotFound(t *testing.T) {
	t.Cleanup(func() { globals.StlinkToolPath.RemoveAll() })

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := DownloadFirmware(server.URL + "/missing.bin")
	require.Error(t, err)
}
