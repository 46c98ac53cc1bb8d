package support

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("SNIPER_TEST_ENV", "value")
	if got := GetEnv("SNIPER_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("SNIPER_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("SNIPER_TEST_INT", " 42 ")
	t.Setenv("SNIPER_TEST_FLOAT", "0.08")
	t.Setenv("SNIPER_TEST_BAD", "nope")
	t.Setenv("SNIPER_TEST_SECONDS", "0.2")

	if got := GetEnvInt("SNIPER_TEST_INT", 1); got != 42 {
		t.Fatalf("GetEnvInt returned %d, want 42", got)
	}
	if got := GetEnvInt("SNIPER_TEST_BAD", 7); got != 7 {
		t.Fatalf("GetEnvInt returned %d for unparsable value, want fallback 7", got)
	}
	if got := GetEnvFloat("SNIPER_TEST_FLOAT", 1); got != 0.08 {
		t.Fatalf("GetEnvFloat returned %v, want 0.08", got)
	}
	if got := GetEnvSeconds("SNIPER_TEST_SECONDS", time.Second); got != 200*time.Millisecond {
		t.Fatalf("GetEnvSeconds returned %v, want 200ms", got)
	}
	if got := GetEnvBool("SNIPER_TEST_BAD", true); !got {
		t.Fatal("GetEnvBool ignored its fallback for an unparsable value")
	}
}
