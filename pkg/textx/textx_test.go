package textx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Episode 42", "Episode_42"},
		{"forbidden chars", `a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"collapse underscores", "a   b / c", "a_b_c"},
		{"accents folded", "Café Révolution", "Cafe_Revolution"},
		{"trailing dots trimmed", "Ends with dots...", "Ends_with_dots"},
		{"empty", "", "unnamed"},
		{"only forbidden", "///", "unnamed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Slug(tc.in))
		})
	}
}

func TestSlugCapsLength(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "abcde"
	}
	got := Slug(long)
	assert.LessOrEqual(t, len(got), 80)
	assert.NotEmpty(t, got)
}

func TestTimecode(t *testing.T) {
	assert.Equal(t, "00:00", Timecode(0))
	assert.Equal(t, "00:12", Timecode(12*time.Second))
	assert.Equal(t, "01:03", Timecode(63*time.Second))
	assert.Equal(t, "01:00:05", Timecode(time.Hour+5*time.Second))
	assert.Equal(t, "00:00", Timecode(-5*time.Second))
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 0, ParseDuration(""))
	assert.Equal(t, 90, ParseDuration("90"))
	assert.Equal(t, 90, ParseDuration("1:30"))
	assert.Equal(t, 3725, ParseDuration("1:02:05"))
	assert.Equal(t, 61, ParseDuration("61.5"))
	assert.Equal(t, 0, ParseDuration("not a duration"))
	assert.Equal(t, 0, ParseDuration("1:2:3:4"))
	assert.Equal(t, 0, ParseDuration("-5"))
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeText("  hello world \x00 "))
	assert.Equal(t, "a\tb", SanitizeText("a\tb"))
	assert.Equal(t, "", SanitizeText("\x01\x02"))
}
