package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arkveil/floorrt/internal/device"
)

// fakeClang writes a shell script with the given body standing in for the
// vendored clang binary. With fakeClangBody it echoes a function-info record
// for "fake_kernel" to the file named by -floor-function-info, writes a tiny
// payload to -o's target, and exits 0 without ever printing " error: ".
func fakeClang(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-clang.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const fakeClangBody = `
out=""
info=""
next=""
for tok in "$@"; do
  if [ "$next" = "out" ]; then
    out="$tok"
    next=""
    continue
  fi
  case "$tok" in
    -o) next="out" ;;
    -floor-function-info=*) info="${tok#-floor-function-info=}" ;;
  esac
done
if [ -n "$info" ]; then
  echo "7,fake_kernel,1,0,0,0,0,0" > "$info"
fi
if [ -n "$out" ]; then
  printf 'BINARY' > "$out"
fi
exit 0
`

func TestBuild_HostCompute_Success(t *testing.T) {
	clang := fakeClang(t, fakeClangBody)
	drv := New(Toolchains{device.BackendHostCompute: clang})

	d := device.HostCompute(16, 4)
	data, err := drv.Build(context.Background(), d, Options{Source: "kernel void fake_kernel() {}"})
	require.NoError(t, err)
	require.True(t, data.Valid)
	require.False(t, data.IsFilename)
	require.Equal(t, []byte("BINARY"), data.DataOrFilename)
	require.Len(t, data.Functions, 1)
	require.Equal(t, "fake_kernel", data.Functions[0].Name)
}

func TestBuild_MissingToolchain(t *testing.T) {
	drv := New(Toolchains{})
	d := device.HostCompute(16, 4)
	_, err := drv.Build(context.Background(), d, Options{Source: "x"})
	require.ErrorIs(t, err, ErrMissingToolchain)
}

func TestBuild_ErrorMarkerFailsBuild(t *testing.T) {
	clang := fakeClang(t, `echo "fake.cpp:1:1: error: bad thing happened"; exit 0`)
	drv := New(Toolchains{device.BackendHostCompute: clang})
	d := device.HostCompute(16, 4)
	_, err := drv.Build(context.Background(), d, Options{Source: "x"})
	require.ErrorIs(t, err, ErrCompiler)
}

func TestBuild_CUDA_RejectsOutputWithoutNVPTXSignature(t *testing.T) {
	clang := fakeClang(t, fakeClangBody)
	drv := New(Toolchains{device.BackendCUDA: clang})
	d := device.HostCompute(16, 4)
	d.Backend = device.BackendCUDA
	d.Versions.CUDASM = 80
	_, err := drv.Build(context.Background(), d, Options{Source: "x"})
	require.ErrorIs(t, err, ErrBadOutput)
}

func TestResolvePTX(t *testing.T) {
	cases := []struct {
		sm      int
		wantPTX int
	}{
		{35, 41},
		{60, 60},
		{75, 65},
		{90, 78},
	}
	for _, c := range cases {
		got, err := resolvePTX(c.sm)
		require.NoError(t, err, fmt.Sprintf("sm_%d", c.sm))
		require.Equal(t, c.wantPTX, got, fmt.Sprintf("sm_%d", c.sm))
	}

	_, err := resolvePTX(10)
	require.ErrorIs(t, err, ErrUnsupportedDevice)
}

func TestDefineSet_BooleanFeaturesEmitBothForms(t *testing.T) {
	d := device.HostCompute(32, 8)
	defs := defineSet(d)
	require.Equal(t, "1", defs["FLOOR_COMPUTE_HAS_FMA"])
	_, ok := defs["FLOOR_COMPUTE_HAS_FMA_1"]
	require.True(t, ok)
	require.Equal(t, "", defs["FLOOR_COMPUTE_HAS_FMA_1"])
}

func TestLanguageDialect_VulkanClampsTo1_4(t *testing.T) {
	d := device.HostCompute(16, 4)
	d.Backend = device.BackendVulkan
	d.Versions.VulkanMajor = 1
	d.Versions.VulkanMinor = 4
	_, version, err := languageDialect(d)
	require.NoError(t, err)
	require.Equal(t, "1.4", version)
}
