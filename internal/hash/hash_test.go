package hash

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		want      string
		wantErr   bool
	}{
		{name: "default", algorithm: "", want: AlgorithmBlake2b256},
		{name: "sha256", algorithm: "sha256", want: AlgorithmSHA256},
		{name: "blake2b", algorithm: "blake2b_256", want: AlgorithmBlake2b256},
		{name: "blake3", algorithm: "blake3", want: AlgorithmBlake3},
		{name: "non-cryptographic", algorithm: "xxhash64", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(tt.algorithm)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, h.Algorithm())
		})
	}
}

func TestHasherDeterministic(t *testing.T) {
	for _, algorithm := range Algorithms() {
		t.Run(algorithm, func(t *testing.T) {
			h, err := New(algorithm)
			require.NoError(t, err)

			d1 := h.Sum([]byte("alpha"))
			d2 := h.Sum([]byte("alpha"))
			require.Equal(t, d1, d2)
			require.NotEqual(t, d1, h.Sum([]byte("beta")))
			require.False(t, h.Sum(nil).IsZero())
		})
	}
}

func TestAlgorithmsDiffer(t *testing.T) {
	seen := make(map[Digest]string)
	for _, algorithm := range Algorithms() {
		h, err := New(algorithm)
		require.NoError(t, err)
		d := h.Sum([]byte("alpha"))
		_, dup := seen[d]
		require.False(t, dup, "%s collides with %s", algorithm, seen[d])
		seen[d] = algorithm
	}
}

func TestKnownVector(t *testing.T) {
	h, err := New(AlgorithmSHA256)
	require.NoError(t, err)
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		h.Sum([]byte("hello")).String())
}

func TestParseDigest(t *testing.T) {
	h, _ := New(AlgorithmSHA256)
	d := h.Sum([]byte("alpha"))

	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)

	parsed, err = ParseDigest("0x" + d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)

	_, err = ParseDigest("abcd")
	require.Error(t, err)

	_, err = ParseDigest(d.String()[:62] + "zz")
	require.Error(t, err)
}

func TestDigestJSON(t *testing.T) {
	h, _ := New(AlgorithmSHA256)
	in := struct {
		D Digest `json:"d"`
	}{D: h.Sum([]byte("alpha"))}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(data), in.D.String())

	var out struct {
		D Digest `json:"d"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in.D, out.D)
}

func TestDigestCompare(t *testing.T) {
	a := Digest{0x01}
	b := Digest{0x02}
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
	require.True(t, ZeroDigest.IsZero())
	require.False(t, a.IsZero())
}

func TestDigestFromBytes(t *testing.T) {
	d, err := DigestFromBytes(make([]byte, Size))
	require.NoError(t, err)
	require.True(t, d.IsZero())

	_, err = DigestFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}
