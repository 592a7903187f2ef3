package pbstream

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLine_EscapesReservedBytes(t *testing.T) {
	plain := []byte{0x01, 0x1B, 0x0A, 0x0D, 0x02}
	got := EncodeLine(plain)

	require.Equal(t, []byte{0x01, 0x1B, 0x3B, 0x1B, 0x2A, 0x1B, 0x2D, 0x02}, got)
	assert.NotContains(t, string(got), "\n")
	assert.NotContains(t, string(got), "\r")
}

func TestDecodeLine_NoEscapeReturnsInput(t *testing.T) {
	raw := []byte("plain payload")
	got, err := DecodeLine(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDecodeLine_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"lone escape", []byte{0x1B}},
		{"trailing escape", []byte{0x01, 0x02, 0x1B}},
		{"unmapped escape", []byte{0x1B, 0x41}},
		{"escaped plain byte", []byte{0x1B, 0x21}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeLine(tt.raw)
			require.ErrorIs(t, err, ErrMalformedEscape)
		})
	}
}

func TestEscapeRoundTrip_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		b := make([]byte, rng.Intn(64))
		for j := range b {
			// Bias toward reserved bytes so escapes are well exercised.
			switch rng.Intn(4) {
			case 0:
				b[j] = []byte{0x1B, 0x0A, 0x0D}[rng.Intn(3)]
			default:
				b[j] = byte(rng.Intn(256))
			}
		}
		got, err := DecodeLine(EncodeLine(b))
		require.NoError(t, err)
		require.True(t, bytes.Equal(b, got), "round trip mismatch for %x", b)
	}
}

func FuzzEscapeRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x1B})
	f.Add([]byte{0x0A, 0x0D, 0x1B, 0x3B})
	f.Add([]byte("SCALAR_DOUBLE"))
	f.Fuzz(func(t *testing.T, b []byte) {
		enc := EncodeLine(b)
		if bytes.IndexByte(enc, newlineByte) >= 0 {
			t.Fatalf("encoded line contains a newline: %x", enc)
		}
		got, err := DecodeLine(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(b, got) {
			t.Fatalf("round trip: got %x, want %x", got, b)
		}
	})
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"no terminator", "a", []string{"a"}},
		{"terminated", "a\nb\n", []string{"a", "b"}},
		{"marker kept", "a\n\nb\n", []string{"a", "", "b"}},
		{"only newline", "\n", []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitLines([]byte(tt.raw))
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i], string(got[i]))
			}
		})
	}
}
