package klog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(&buf, "debug"))

	New("pci").WithField("bdf", "00:01.0").Debug("function present")

	out := buf.String()
	assert.Contains(t, out, "source=pci")
	assert.Contains(t, out, "bdf=\"00:01.0\"")
	assert.NotContains(t, out, "time=")
}

func TestInitBadLevel(t *testing.T) {
	assert.Error(t, Init(&bytes.Buffer{}, "loud"))
}
