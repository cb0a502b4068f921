package proxy

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompressBody(t *testing.T) {
	plain := []byte("<html>SQL syntax error near line 1</html>")

	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, err := w.Write(plain)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		assert.Equal(t, plain, decompressBody(buf.Bytes(), "gzip"))
	})

	t.Run("brotli", func(t *testing.T) {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		_, err := w.Write(plain)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		assert.Equal(t, plain, decompressBody(buf.Bytes(), "br"))
	})

	t.Run("deflate is zlib wrapped", func(t *testing.T) {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, err := w.Write(plain)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		assert.Equal(t, plain, decompressBody(buf.Bytes(), "deflate"))
	})

	t.Run("unknown encoding passes through", func(t *testing.T) {
		assert.Equal(t, plain, decompressBody(plain, "zstd"))
		assert.Equal(t, plain, decompressBody(plain, ""))
	})

	t.Run("corrupt data returns original", func(t *testing.T) {
		garbage := []byte{0xde, 0xad, 0xbe, 0xef}
		assert.Equal(t, garbage, decompressBody(garbage, "gzip"))
		assert.Equal(t, garbage, decompressBody(garbage, "deflate"))
	})

	t.Run("empty body", func(t *testing.T) {
		assert.Empty(t, decompressBody(nil, "gzip"))
	})
}
