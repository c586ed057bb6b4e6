package ip_test

import (
	"testing"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/ip"
	"github.com/stretchr/testify/require"
)

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	h := ip.Header{
		VHL: 0x45, TOS: 0, Len: 40, ID: 1234, FragOff: 0x4000,
		TTL: 64, Proto: ip.ProtoUDP,
		Src: addr.IPv4FromBytes(10, 0, 0, 1),
		Dst: addr.IPv4FromBytes(10, 0, 0, 2),
	}

	encoded := h.Encode()
	require.Len(t, encoded, 20)

	decoded, err := ip.DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, h.Src, decoded.Src)
	require.Equal(t, h.Dst, decoded.Dst)
	require.Equal(t, h.ID, decoded.ID)
	require.Equal(t, uint8(ip.ProtoUDP), decoded.Proto)
}

func TestHeader_ChecksumVerifiesToZero(t *testing.T) {
	t.Parallel()
	h := ip.Header{
		VHL: 0x45, TTL: 64, Proto: ip.ProtoICMP,
		Src: addr.IPv4FromBytes(192, 168, 1, 1),
		Dst: addr.IPv4FromBytes(192, 168, 1, 2),
	}
	encoded := h.Encode()
	require.Zero(t, ip.Checksum(encoded))
}

func TestHeader_DecodeRejectsShortBuffer(t *testing.T) {
	t.Parallel()
	_, err := ip.DecodeHeader(make([]byte, 10))
	require.Error(t, err)
}

func TestHeader_FragmentFlags(t *testing.T) {
	t.Parallel()
	h := ip.Header{FragOff: 0x2000 | 5} // MF set, offset=5*8 bytes
	require.True(t, h.MoreFragments())
	require.False(t, h.DontFragment())
	require.Equal(t, 40, h.FragmentByteOffset())
}
