package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRotatingLogWriterDisabled(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "logs")
	cfg := DefaultLogConfig().File
	cfg.Disable = true

	r := NewRotatingLogWriter()
	require.NoError(t, r.Open(cfg, dir, "flashd.log"))
	require.False(t, r.Active())

	n, err := r.Write([]byte("dropped\n"))
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.NoError(t, r.Close())

	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestRotatingLogWriterLifecycle(t *testing.T) {
	t.Parallel()

	for _, compressor := range []string{Gzip, Zstd} {
		compressor := compressor
		t.Run(compressor, func(t *testing.T) {
			t.Parallel()

			dir := filepath.Join(t.TempDir(), "logs")
			cfg := DefaultLogConfig().File
			cfg.Compressor = compressor

			r := NewRotatingLogWriter()
			require.NoError(t, r.Open(cfg, dir, "flashd.log"))
			require.True(t, r.Active())

			err := r.Open(cfg, dir, "flashd.log")
			require.ErrorIs(t, err, ErrRotatorOpen)

			_, err = r.Write([]byte("channel opened\n"))
			require.NoError(t, err)

			// Close flushes the line before returning.
			require.NoError(t, r.Close())
			require.False(t, r.Active())
			require.NoError(t, r.Close())

			content, err := os.ReadFile(
				filepath.Join(dir, "flashd.log"),
			)
			require.NoError(t, err)
			require.Equal(t, "channel opened\n", string(content))

			// A closed writer drops lines and can be opened again.
			_, err = r.Write([]byte("lost\n"))
			require.NoError(t, err)
			require.NoError(t, r.Open(cfg, dir, "flashd.log"))
			require.NoError(t, r.Close())
		})
	}
}

func TestRotatingLogWriterUnknownCompressor(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "logs")
	cfg := DefaultLogConfig().File
	cfg.Compressor = "lz4"

	r := NewRotatingLogWriter()
	require.ErrorContains(t, r.Open(cfg, dir, "flashd.log"), "lz4")
	require.False(t, r.Active())

	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}
