package config

import (
	"testing"
	"time"
)

func TestGetEnvDefaults(t *testing.T) {
	if got := GetEnv("CHATTERBOX_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv = %q, want fallback", got)
	}
	if got := GetEnvInt("CHATTERBOX_TEST_UNSET", 42); got != 42 {
		t.Fatalf("GetEnvInt = %d, want 42", got)
	}
	if got := GetEnvBool("CHATTERBOX_TEST_UNSET", true); !got {
		t.Fatal("GetEnvBool = false, want true")
	}
	if got := GetEnvDuration("CHATTERBOX_TEST_UNSET", 2*time.Second); got != 2*time.Second {
		t.Fatalf("GetEnvDuration = %v, want 2s", got)
	}
}

func TestGetEnvParsing(t *testing.T) {
	t.Setenv("CHATTERBOX_TEST_INT", "7")
	t.Setenv("CHATTERBOX_TEST_BOOL", "false")
	t.Setenv("CHATTERBOX_TEST_DUR", "150ms")
	t.Setenv("CHATTERBOX_TEST_BAD_INT", "not-a-number")

	if got := GetEnvInt("CHATTERBOX_TEST_INT", 0); got != 7 {
		t.Fatalf("GetEnvInt = %d, want 7", got)
	}
	if got := GetEnvBool("CHATTERBOX_TEST_BOOL", true); got {
		t.Fatal("GetEnvBool = true, want false")
	}
	if got := GetEnvDuration("CHATTERBOX_TEST_DUR", 0); got != 150*time.Millisecond {
		t.Fatalf("GetEnvDuration = %v, want 150ms", got)
	}
	if got := GetEnvInt("CHATTERBOX_TEST_BAD_INT", 9); got != 9 {
		t.Fatalf("GetEnvInt with bad value = %d, want default 9", got)
	}
}

func TestGetEnvSlice(t *testing.T) {
	cases := []struct {
		name     string
		value    string
		fallback []string
		expected []string
	}{
		{name: "unset", value: "", fallback: []string{"a"}, expected: []string{"a"}},
		{name: "single", value: "forsen", fallback: nil, expected: []string{"forsen"}},
		{name: "trimmed", value: " foo , bar ,", fallback: nil, expected: []string{"foo", "bar"}},
		{name: "only separators", value: " , ,", fallback: []string{"x"}, expected: []string{"x"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != "" {
				t.Setenv("CHATTERBOX_TEST_SLICE", tc.value)
			}
			got := GetEnvSlice("CHATTERBOX_TEST_SLICE", tc.fallback)
			if len(got) != len(tc.expected) {
				t.Fatalf("GetEnvSlice = %v, want %v", got, tc.expected)
			}
			for i := range got {
				if got[i] != tc.expected[i] {
					t.Fatalf("GetEnvSlice[%d] = %q, want %q", i, got[i], tc.expected[i])
				}
			}
		})
	}
}
