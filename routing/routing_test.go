package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShardIndexFixedVectors(t *testing.T) {
	// These vectors are part of the on-store contract and must never change.
	idx, err := ShardIndex("12345", 8)
	require.NoError(t, err)
	require.Equal(t, uint32(57), idx)

	idx, err = ShardIndex("abc123", 8)
	require.NoError(t, err)
	require.Equal(t, uint32(92), idx)
}

func TestShardIndexNumericModulo(t *testing.T) {
	for _, tc := range []struct {
		uid   string
		nBits int
		want  uint32
	}{
		{"0", 8, 0},
		{"255", 8, 255},
		{"256", 8, 0},
		{"100", 8, 100},
		{"612", 8, 100},
		{"15", 4, 15},
		{"16", 4, 0},
		{"65536", 16, 0},
		// longer than uint64: 2^70 = 1180591620717411303424; mod 256 == 0
		{"1180591620717411303424", 8, 0},
		{"1180591620717411303425", 8, 1},
	} {
		got, err := ShardIndex(tc.uid, tc.nBits)
		require.NoError(t, err, "uid=%s", tc.uid)
		require.Equal(t, tc.want, got, "uid=%s n_bits=%d", tc.uid, tc.nBits)
	}
}

func TestShardIndexRange(t *testing.T) {
	for _, uid := range []string{"hello", "file-9981.bin", "uid-é中", ""} {
		for nBits := MinBits; nBits <= MaxBits; nBits++ {
			got, err := ShardIndex(uid, nBits)
			require.NoError(t, err)
			require.Less(t, got, uint32(1)<<uint(nBits))
		}
	}
}

func TestShardIndexInvalidBits(t *testing.T) {
	_, err := ShardIndex("12345", 3)
	require.Error(t, err)
	_, err = ShardIndex("12345", 17)
	require.Error(t, err)
}

func TestShardHex(t *testing.T) {
	hex, err := ShardHex(57, 8)
	require.NoError(t, err)
	require.Equal(t, "39", hex)

	hex, err = ShardHex(10, 8)
	require.NoError(t, err)
	require.Equal(t, "0A", hex)

	// 4 bits pads to a single character.
	hex, err = ShardHex(15, 4)
	require.NoError(t, err)
	require.Equal(t, "F", hex)

	hex, err = ShardHex(255, 16)
	require.NoError(t, err)
	require.Equal(t, "00FF", hex)

	_, err = ShardHex(256, 8)
	require.Error(t, err)
}

func TestShardHexFixedWidth(t *testing.T) {
	// Widths not divisible by 4 pad up, so one family's key prefix can
	// never be a prefix of another's ("03" vs "3F", not "3" vs "3F").
	hex, err := ShardHex(0x3, 6)
	require.NoError(t, err)
	require.Equal(t, "03", hex)

	hex, err = ShardHex(0x3F, 6)
	require.NoError(t, err)
	require.Equal(t, "3F", hex)

	for nBits := MinBits; nBits <= MaxBits; nBits++ {
		lo, err := ShardHex(0, nBits)
		require.NoError(t, err)
		hi, err := ShardHex(uint32(1)<<uint(nBits)-1, nBits)
		require.NoError(t, err)
		require.Len(t, lo, len(hi), "n_bits=%d", nBits)
	}
}

func TestNormalizeUID(t *testing.T) {
	require.Equal(t, "42", NormalizeUID(42))
	require.Equal(t, "9007199254740993", NormalizeUID(int64(9007199254740993)))
	require.Equal(t, "abc", NormalizeUID("abc"))
}

func TestLocate(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	loc, err := Locate("12345", createdAt, 8)
	require.NoError(t, err)
	require.Equal(t, "20240101", loc.DateDir)
	require.Equal(t, uint32(57), loc.ShardIndex)
	require.Equal(t, "39", loc.ShardHex)
	require.Equal(t, "20240101/39.des", loc.ObjectKey)

	// Pure function: same inputs, same output.
	again, err := Locate("12345", createdAt, 8)
	require.NoError(t, err)
	require.Equal(t, loc, again)
}
