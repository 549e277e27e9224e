package toolchainfetch

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/arkveil/floorrt/internal/device"
)

func buildTarXZ(t *testing.T, topLevel string, files map[string]string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		full := name
		if topLevel != "" {
			full = topLevel + "/" + name
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: full,
			Mode: 0o755,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	require.NoError(t, err)
	_, err = xw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, xw.Close())

	return xzBuf.Bytes()
}

func TestFetcher_EnsureAll_DownloadsAndExtracts(t *testing.T) {
	archive := buildTarXZ(t, "clang-toolchain", map[string]string{
		"bin/clang": "#!/bin/sh\necho fake clang\n",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	storageDir := t.TempDir()
	f := New(storageDir, nil)

	manifest := Manifest{
		{
			Backend:       device.BackendHostCompute,
			URL:           srv.URL + "/toolchain.tar.xz",
			StripTopLevel: true,
			ClangRelPath:  "bin/clang",
		},
	}

	paths, err := f.EnsureAll(context.Background(), manifest)
	require.NoError(t, err)
	require.Contains(t, paths, device.BackendHostCompute)

	again, err := f.EnsureAll(context.Background(), manifest)
	require.NoError(t, err)
	require.Equal(t, paths, again)
}
