package fingerprint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog"
	require.Equal(t, Sum(text), Sum(text))
	require.Len(t, Sum(text), 64)
	require.Equal(t, "d7a8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592", Sum(text))
}

func TestSumNormalizes(t *testing.T) {
	require.Equal(t, Sum("hello\nworld"), Sum("  hello\r\nworld \n"))
	// e + combining acute vs precomposed é
	require.Equal(t, Sum("cafe\u0301"), Sum("caf\u00e9"))
	require.NotEqual(t, Sum("hello world"), Sum("hello  world"))
}

func TestSumEmpty(t *testing.T) {
	require.Equal(t, Sum(""), Sum("   \n"))
}

func TestSumDistinctOnRandomCorpus(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789 .,"
	seen := make(map[string]string, 20000)
	for i := 0; i < 20000; i++ {
		buf := make([]byte, 8+rng.Intn(64))
		for j := range buf {
			buf[j] = alphabet[rng.Intn(len(alphabet))]
		}
		text := Normalize(string(buf))
		sum := Sum(text)
		if prev, ok := seen[sum]; ok {
			require.Equal(t, prev, text)
			continue
		}
		seen[sum] = text
	}
}

func TestSumSingleCharDifference(t *testing.T) {
	base := []byte("a reasonably long paragraph of text used as a base")
	orig := Sum(string(base))
	for i := range base {
		if base[i] == ' ' {
			continue
		}
		mutated := append([]byte(nil), base...)
		mutated[i] = 'Z'
		require.NotEqual(t, orig, Sum(string(mutated)), "position %d", i)
	}
}
