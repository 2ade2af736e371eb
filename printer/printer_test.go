package printer

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func capturing(t *testing.T) (*bytes.Buffer, func()) {
	t.Helper()
	old := Stderr
	buf := &bytes.Buffer{}
	Stderr = NewP(buf)
	return buf, func() { Stderr = old }
}

func TestScopeTagsEveryLine(t *testing.T) {
	buf, restore := capturing(t)
	defer restore()

	Worker(3).Warningf("queue full, dropped %d packets\n", 17)

	out := buf.String()
	assert.Contains(t, out, "[worker-3]")
	assert.Contains(t, out, "queue full, dropped 17 packets")
	assert.Contains(t, out, "WARN")
}

func TestDropfCarriesReason(t *testing.T) {
	buf, restore := capturing(t)
	defer restore()

	Dropf("worker-0-overload", "dropped %d\n", 5)

	out := buf.String()
	assert.Contains(t, out, "DROP")
	assert.Contains(t, out, "(worker-0-overload)")
	assert.Contains(t, out, "dropped 5")
}

func TestDebugGatedByVerboseLevel(t *testing.T) {
	buf, restore := capturing(t)
	defer restore()

	viper.Set(KeyVerboseLevel, 0)
	defer viper.Set(KeyVerboseLevel, 0)
	Debugf("hidden\n")
	assert.Empty(t, buf.String())

	viper.Set(KeyVerboseLevel, 1)
	Debugf("shown\n")
	assert.Contains(t, buf.String(), "shown")
}

func TestVReturnsNoopBelowThreshold(t *testing.T) {
	buf, restore := capturing(t)
	defer restore()

	viper.Set(KeyVerboseLevel, 1)
	defer viper.Set(KeyVerboseLevel, 0)

	V(2).Infof("too detailed\n")
	assert.Empty(t, buf.String())

	V(1).Infof("detailed enough\n")
	assert.Contains(t, buf.String(), "detailed enough")
}
