package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBoolEnv(t *testing.T) {
	for _, v := range []string{"true", "1", "YES", " on "} {
		t.Setenv("CONCIERGE_TEST_BOOL", v)
		assert.True(t, ParseBoolEnv("CONCIERGE_TEST_BOOL", false), v)
	}
	for _, v := range []string{"false", "0", "no", "OFF"} {
		t.Setenv("CONCIERGE_TEST_BOOL", v)
		assert.False(t, ParseBoolEnv("CONCIERGE_TEST_BOOL", true), v)
	}
	t.Setenv("CONCIERGE_TEST_BOOL", "maybe")
	assert.True(t, ParseBoolEnv("CONCIERGE_TEST_BOOL", true))
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CONCIERGE_TEST_INT", "")
	assert.Equal(t, 20, ParseIntEnv("CONCIERGE_TEST_INT", 20))
	t.Setenv("CONCIERGE_TEST_INT", "50")
	assert.Equal(t, 50, ParseIntEnv("CONCIERGE_TEST_INT", 20))
	t.Setenv("CONCIERGE_TEST_INT", "-3")
	assert.Equal(t, 20, ParseIntEnv("CONCIERGE_TEST_INT", 20))
	t.Setenv("CONCIERGE_TEST_INT", "lots")
	assert.Equal(t, 20, ParseIntEnv("CONCIERGE_TEST_INT", 20))
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("CONCIERGE_TEST_DUR", "")
	assert.Equal(t, 30*time.Second, ParseDurationEnv("CONCIERGE_TEST_DUR", 30*time.Second))
	t.Setenv("CONCIERGE_TEST_DUR", "45")
	assert.Equal(t, 45*time.Second, ParseDurationEnv("CONCIERGE_TEST_DUR", time.Second))
	t.Setenv("CONCIERGE_TEST_DUR", "2m")
	assert.Equal(t, 2*time.Minute, ParseDurationEnv("CONCIERGE_TEST_DUR", time.Second))
	t.Setenv("CONCIERGE_TEST_DUR", "soon")
	assert.Equal(t, time.Second, ParseDurationEnv("CONCIERGE_TEST_DUR", time.Second))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", FirstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", FirstNonEmpty())
}
