package normalize

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "spanish sl", in: "Acme, S.L.", want: "acme"},
		{name: "upper sl", in: "ACME SL", want: "acme"},
		{name: "lower dotted", in: "acme s.l.", want: "acme"},
		{name: "slu", in: "Beta Tech S.L.U.", want: "beta tech"},
		{name: "inc", in: "Gamma Inc.", want: "gamma"},
		{name: "gmbh", in: "Delta GmbH", want: "delta"},
		{name: "stacked suffixes", in: "Epsilon Holdings Co. Ltd.", want: "epsilon holdings"},
		{name: "diacritics", in: "Café Núñez", want: "cafe nunez"},
		{name: "whitespace runs", in: "  Zeta \t  Labs\n ", want: "zeta labs"},
		{name: "punctuation", in: "Omega & Sons (Europe)", want: "omega sons europe"},
		{name: "digits kept", in: "3D Hubs B.V.", want: "3d hubs"},
		{name: "single suffix token kept", in: "Inc.", want: "inc"},
		{name: "suffix inside name", in: "Corp Labs", want: "corp labs"},
		{name: "spaced sl", in: "Acme S. L.", want: "acme"},
		{name: "spaced sas", in: "Crème S. A. S.", want: "creme"},
		{name: "trailing initial kept", in: "Plan B", want: "plan b"},
		{name: "initial before spaced suffix", in: "Team A S. L.", want: "team a"},
		{name: "spaced suffix alone kept", in: "S. L.", want: "s l"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Name(tc.in))
		})
	}
}

func TestNameSuffixEquivalence(t *testing.T) {
	t.Parallel()

	require.True(t, Equal("Acme, S.L.", "ACME SL"))
	require.True(t, Equal("ACME SL", "acme s.l."))
	require.True(t, Equal("Acme", "Acme S.A."))
	require.True(t, Equal("Acme S. L.", "Acme SL"))
	require.False(t, Equal("Acme", "Acme Labs"))
}

func TestNameIdempotent(t *testing.T) {
	t.Parallel()

	seeds := []string{
		"Acme, S.L.", "Ünïcödé GmbH", "  multiple   spaces  Inc ", "a.b.c. corp corp",
		"x sl sl sl", "Acme S. L.", "a b s l", "日本 Holdings", "", "!!!", "Crème Brûlée S.A.S.",
	}
	for _, s := range seeds {
		once := Name(s)
		require.Equal(t, once, Name(once), "input %q", s)
	}

	alphabet := []rune("abcXYZ019 .,-&éñüÅ\t")
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := rng.Intn(24)
		buf := make([]rune, n)
		for j := range buf {
			buf[j] = alphabet[rng.Intn(len(alphabet))]
		}
		in := string(buf)
		once := Name(in)
		require.Equal(t, once, Name(once), "input %q", in)
	}
}
