package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
		{"  DEBUG  ", zerolog.DebugLevel},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, parseLevel(tc.in), "parseLevel(%q)", tc.in)
	}
}

func TestInitSetsGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	Init(Config{Format: "json", Level: "warn", Component: "test"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestSelectWriterHonorsNonTerminal(t *testing.T) {
	origIsTerminal := isTerminalFn
	defer func() { isTerminalFn = origIsTerminal }()

	isTerminalFn = func(int) bool { return false }
	assert.NotNil(t, selectWriter("auto"))
	assert.NotNil(t, selectWriter("console"))
	assert.NotNil(t, selectWriter("json"))
}
