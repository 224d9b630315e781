package codec

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	e := NewEncoder(16)
	e.Uvarint(0)
	e.Uvarint(1 << 40)
	e.Byte(7)
	e.String("héllo")
	e.Bytes([]byte{1, 2, 3})

	d := NewDecoder(e.Result())
	assert.Equal(t, uint64(0), d.Uvarint())
	assert.Equal(t, uint64(1<<40), d.Uvarint())
	assert.Equal(t, byte(7), d.Byte())
	assert.Equal(t, "héllo", d.String())
	assert.Equal(t, []byte{1, 2, 3}, d.Bytes())
	require.NoError(t, d.Finish())
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string][]byte{
		"truncated varint": {0x80},
		"length too long":  {0x05, 'a', 'b'},
		"invalid utf8":     {0x02, 0xff, 0xfe},
		"empty":            {},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			d := NewDecoder(data)
			_ = d.String()
			err := d.Finish()
			require.Error(t, err)
			assert.True(t, errors.Is(err, syncerr.ErrCorruptUpdate))
		})
	}
}

func TestTrailingBytes(t *testing.T) {
	d := NewDecoder([]byte{0x01, 0x02})
	d.Uvarint()
	assert.Error(t, d.Finish())
}

func TestCountBound(t *testing.T) {
	e := NewEncoder(4)
	e.Uvarint(1000)
	e.Byte(1)
	d := NewDecoder(e.Result())
	assert.Equal(t, 0, d.Count(2))
	assert.Error(t, d.Err())
}
