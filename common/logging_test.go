package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestOutputSplitterWriteReturnsLength(t *testing.T) {
	splitter := &OutputSplitter{}

	for _, msg := range [][]byte{
		[]byte(`time="2026-08-24T10:30:00Z" level=error msg="segment failed"`),
		[]byte(`time="2026-08-24T10:30:00Z" level=info msg="job leased"`),
		[]byte(`{"level":"error","msg":"storefront push failed"}`),
		[]byte(`{"level":"info","msg":"job done"}`),
		[]byte(``),
	} {
		n, err := splitter.Write(msg)
		assert.NoError(t, err)
		assert.Equal(t, len(msg), n)
	}
}

func TestLoggerUsesSplitter(t *testing.T) {
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok)
}

func TestConfigureLogger(t *testing.T) {
	defer ConfigureLogger("info", "text")

	ConfigureLogger("debug", "json")
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, Logger.Formatter)

	ConfigureLogger("warn", "text")
	assert.Equal(t, logrus.WarnLevel, Logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, Logger.Formatter)

	// Unknown values degrade to the defaults instead of failing startup.
	ConfigureLogger("loud", "yaml")
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, Logger.Formatter)
}
