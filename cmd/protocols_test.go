package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProtocols(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Configure("mqtt", false, true, []uint16{1883, 8883}))

	var buf bytes.Buffer
	require.NoError(t, runProtocols(reg, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, []string{"ID", "NAME", "TRANSPORT", "PORTS", "DETECT", "PARSE", "ALIASES"}, strings.Fields(lines[0]))

	rows := make(map[string][]string)
	for _, l := range lines[1:] {
		f := strings.Fields(l)
		rows[f[1]+"/"+f[2]] = f
	}
	assert.Equal(t, []string{"1", "ntp", "udp", "123", "true", "true", "-"}, rows["ntp/udp"])
	assert.Equal(t, []string{"3", "ike", "udp", "500", "true", "true", "ikev2"}, rows["ike/udp"])
	assert.Equal(t, rows["krb5/udp"][0], rows["krb5/tcp"][0])
	assert.Equal(t, []string{"5", "mqtt", "tcp", "1883,8883", "false", "true", "-"}, rows["mqtt/tcp"])
}
