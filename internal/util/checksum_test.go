package util

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChecksum(t *testing.T) {
	data := []byte("test data for checksum validation")
	checksum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, checksum))
	assert.False(t, ValidateChecksum(data, checksum+1))

	corrupted := bytes.Clone(data)
	corrupted[0] ^= 0xFF
	assert.False(t, ValidateChecksum(corrupted, checksum))
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("hello world"),
		{0x00, 0x01, 0x02, 0x03, 0xFF},
	}

	var buf []byte
	for _, p := range payloads {
		buf = AppendFrame(buf, p)
	}

	r := bytes.NewReader(buf)
	for _, want := range payloads {
		got, err := ReadFrame(r, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(r, 0)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrame_Corruption(t *testing.T) {
	frame := AppendFrame(nil, []byte("payload"))

	tests := []struct {
		name    string
		input   []byte
		maxSize uint32
		wantErr error
	}{
		{
			name:    "flipped payload byte",
			input:   func() []byte { f := bytes.Clone(frame); f[len(f)-1] ^= 0xFF; return f }(),
			wantErr: ErrChecksumMismatch,
		},
		{
			name:    "torn payload",
			input:   frame[:len(frame)-2],
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "torn header",
			input:   frame[:3],
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "oversized",
			input:   frame,
			maxSize: 3,
			wantErr: ErrChecksumMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input), tt.maxSize)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
