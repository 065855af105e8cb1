package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text")
	defer InitWithWriter(&buf, "INFO", "text")

	Info("session opened", KeyPort, 0, KeyPGN, "0x0EF00", KeySize, 100)

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "session opened")
	assert.Contains(t, out, "port=0")
	assert.Contains(t, out, "pgn=0x0EF00")
	assert.Contains(t, out, "size=100")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("hidden")
	Info("hidden too")
	Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer InitWithWriter(&buf, "INFO", "text")

	Error("claim failed", KeyAddress, 40)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "claim failed", record["msg"])
	assert.Equal(t, float64(40), record[KeyAddress])
	assert.Equal(t, "ERROR", record["level"])
}

func TestWithBindsCategory(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	l := With(Category("transport.tp"))
	l.Info("windowed")

	assert.Contains(t, buf.String(), "category=transport.tp")
}

func TestFieldFormatting(t *testing.T) {
	assert.Equal(t, "0x0EE00", PGN(0x00EE00).Value.String())
	assert.Equal(t, "0x008D", DDI(0x008D).Value.String())
	assert.Equal(t, "0x8000000000000042", NameRaw(0x8000_0000_0000_0042).Value.String())
	assert.Equal(t, KeyError, Err(assert.AnError).Key)
	assert.True(t, Err(nil).Equal(Err(nil)))
}
