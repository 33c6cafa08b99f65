package h264

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNALUType(t *testing.T) {
	require.Equal(t, "IDR", NALUTypeIDR.String())
	require.Equal(t, "FU-A", NALUTypeFUA.String())
	require.Equal(t, true, strings.HasPrefix(NALUType(30).String(), "unknown"))
}

func TestTypeOf(t *testing.T) {
	require.Equal(t, NALUTypeSPS, TypeOf([]byte{0x67, 0x42}))
	require.Equal(t, NALUTypeIDR, TypeOf([]byte{0x65}))
}

func TestContainsIDR(t *testing.T) {
	require.Equal(t, true, ContainsIDR([][]byte{
		{0x06, 0x00},
		{0x65, 0x00},
	}))
	require.Equal(t, false, ContainsIDR([][]byte{
		{0x06, 0x00},
		{0x41, 0x00},
	}))
}
