package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAppliesSubsystemDefaults(t *testing.T) {
	n, err := Decode(strings.NewReader(`
kamilata:
  listen_addrs: ["/ip4/0.0.0.0/tcp/4737"]
  dns_pins_interval: 300s
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4737"}, n.ListenAddrs)
	assert.Equal(t, 300_000_000_000, int(n.DNSPinsInterval.Duration))
	assert.NotZero(t, n.Swarm.FirstClassTarget)
	assert.NotZero(t, n.API.ListenAddr)
}

func TestDecodeClampsDNSPinsIntervalToMinimum(t *testing.T) {
	n, err := Decode(strings.NewReader(`
kamilata:
  dns_pins_interval: 10s
`))
	require.NoError(t, err)
	assert.Equal(t, MinDNSPinsInterval, n.DNSPinsInterval.Duration)
}

func TestOpenWithEmptyPathReturnsDefault(t *testing.T) {
	n, err := Open("")
	require.NoError(t, err)
	assert.Equal(t, Default.ListenAddrs, n.ListenAddrs)
}

func TestDecodeRejectsMalformedYAML(t *testing.T) {
	_, err := Decode(strings.NewReader("not: [valid"))
	assert.Error(t, err)
}
