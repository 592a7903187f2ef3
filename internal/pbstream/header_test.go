package pbstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader([]byte(`{"pvname":"SR:C01:BPM:X","type":"SCALAR_DOUBLE","year":2024,"headers":{"EGU":"mm"}}`))
	require.NoError(t, err)

	assert.Equal(t, "SR:C01:BPM:X", h.PVName)
	assert.Equal(t, ScalarDouble, h.Type)
	assert.Equal(t, 2024, h.Year)
	assert.Equal(t, 1, h.ElementCount, "element count defaults to 1")
	assert.Equal(t, "mm", h.Headers["EGU"])
}

func TestParseHeader_Waveform(t *testing.T) {
	h, err := ParseHeader([]byte(`{"pvname":"WF","type":"waveform_double","year":2023,"elementCount":4}`))
	require.NoError(t, err)
	assert.Equal(t, WaveformDouble, h.Type)
	assert.Equal(t, 4, h.ElementCount)
}

func TestParseHeader_Invalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `SCALAR_DOUBLE`},
		{"missing pvname", `{"type":"SCALAR_DOUBLE","year":2024}`},
		{"empty pvname", `{"pvname":"","type":"SCALAR_DOUBLE","year":2024}`},
		{"missing type", `{"pvname":"PV","year":2024}`},
		{"unknown type", `{"pvname":"PV","type":"SCALAR_COMPLEX","year":2024}`},
		{"missing year", `{"pvname":"PV","type":"SCALAR_DOUBLE"}`},
		{"short year", `{"pvname":"PV","type":"SCALAR_DOUBLE","year":24}`},
		{"zero element count", `{"pvname":"PV","type":"WAVEFORM_DOUBLE","year":2024,"elementCount":0}`},
		{"scalar with elements", `{"pvname":"PV","type":"SCALAR_INT","year":2024,"elementCount":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader([]byte(tt.line))
			require.ErrorIs(t, err, ErrInvalidHeader)
		})
	}
}

func TestValueTypeNamesRoundTrip(t *testing.T) {
	for typ := ScalarString; typ < numValueTypes; typ++ {
		got, ok := ParseValueType(typ.String())
		require.True(t, ok, typ.String())
		assert.Equal(t, typ, got)
		assert.NotNil(t, valueDecoders[typ], "no decoder registered for %s", typ)
		assert.NotZero(t, typ.ValueKind())
	}
	_, ok := ParseValueType("UNKNOWN")
	assert.False(t, ok)
}
