package httprange

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRangeRequest(t *testing.T) {
	req := string(BuildRangeRequest("example.org", "fw/app.bin", 0, 4095))
	assert.Equal(t, "GET /fw/app.bin HTTP/1.1\r\nHost: example.org\r\nRange: bytes=0-4095\r\nConnection: close\r\n\r\n", req)
}

// chunkedRecver splits a fixed response into a sequence of reads so the
// parser must reassemble header and header+body-in-one-read cases.
func chunkedRecver(full string, chunkSizes ...int) RecverFunc {
	data := []byte(full)
	pos := 0
	ci := 0
	return func(buf []byte) (int, error) {
		if pos >= len(data) {
			return 0, nil
		}
		size := len(buf)
		if ci < len(chunkSizes) {
			size = chunkSizes[ci]
			ci++
		}
		if pos+size > len(data) {
			size = len(data) - pos
		}
		n := copy(buf, data[pos:pos+size])
		pos += n
		return n, nil
	}
}

func TestParseResponse206WithContentRange(t *testing.T) {
	resp := "HTTP/1.1 206 Partial Content\r\nContent-Length: 4096\r\nContent-Range: bytes 0-4095/131072\r\n\r\n" + strings.Repeat("X", 4096)

	r, leftover, err := ParseResponse(chunkedRecver(resp, 40, 4096))
	require.NoError(t, err)
	assert.Equal(t, 206, r.Status)
	assert.Equal(t, int64(4096), r.ContentLength)
	require.NotNil(t, r.ContentRange)
	assert.Equal(t, int64(131072), r.ContentRange.Total)
	// headers + body arrived across reads; body bytes after CRLFCRLF in
	// the same accumulated buffer must be rebased into leftover.
	assert.True(t, len(leftover) > 0)
}

func TestParseResponseCaseInsensitiveHeaders(t *testing.T) {
	resp := "HTTP/1.1 200 OK\r\ncontent-length: 10\r\nCONTENT-RANGE: bytes 0-9/10\r\nLOCATION: ignored-on-200\r\n\r\n0123456789"
	r, leftover, err := ParseResponse(chunkedRecver(resp))
	require.NoError(t, err)
	assert.Equal(t, 200, r.Status)
	assert.Equal(t, int64(10), r.ContentLength)
	require.NotNil(t, r.ContentRange)
	assert.Equal(t, "0123456789", string(leftover))
}

func TestParseResponse302Location(t *testing.T) {
	resp := "HTTP/1.1 302 Found\r\nContent-Length: 0\r\nLocation: //cdn.example.org/v/app.bin\r\n\r\n"
	r, _, err := ParseResponse(chunkedRecver(resp))
	require.NoError(t, err)
	assert.Equal(t, 302, r.Status)
	assert.Equal(t, "//cdn.example.org/v/app.bin", r.Location)
}

func TestParseResponseHeaderTooLarge(t *testing.T) {
	resp := "HTTP/1.1 200 OK\r\n" + strings.Repeat("X-Pad: "+strings.Repeat("a", 100)+"\r\n", 100)
	_, _, err := ParseResponse(chunkedRecver(resp))
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestParseResponseShortRead(t *testing.T) {
	_, _, err := ParseResponse(RecverFunc(func(buf []byte) (int, error) { return 0, nil }))
	require.ErrorIs(t, err, ErrShortRead)
}

func TestParseResponseMissingContentRange(t *testing.T) {
	resp := "HTTP/1.1 206 Partial Content\r\nContent-Length: 10\r\n\r\n0123456789"
	r, _, err := ParseResponse(chunkedRecver(resp))
	require.NoError(t, err)
	assert.Nil(t, r.ContentRange)
	assert.Equal(t, int64(10), r.ContentLength)
}
