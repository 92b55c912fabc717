package cmd

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/core"
	iplugin "firestige.xyz/applayer/internal/plugin"
)

func testRegistry(t *testing.T) *iplugin.Registry {
	t.Helper()
	reg, err := newRegistry(config.Default())
	require.NoError(t, err)
	return reg
}

func connectHex(t *testing.T) string {
	t.Helper()
	p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = 4
	p.CleanSession = true
	p.Keepalive = 30
	p.ClientIdentifier = "probe"
	var buf bytes.Buffer
	require.NoError(t, p.Write(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func TestRunProbe(t *testing.T) {
	reg := testRegistry(t)

	t.Run("confirmed", func(t *testing.T) {
		var out bytes.Buffer
		err := runProbe(reg, probeOptions{proto: "mqtt", hex: connectHex(t), dir: "toserver"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "mqtt/tcp: confirmed\n", out.String())
	})

	t.Run("parse", func(t *testing.T) {
		var out bytes.Buffer
		err := runProbe(reg, probeOptions{proto: "mqtt", hex: connectHex(t), dir: "toserver", parse: true}, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "result: ok")
		assert.Contains(t, out.String(), `tx 0: `)
		assert.Contains(t, out.String(), `mqtt.type="CONNECT"`)
		assert.Contains(t, out.String(), `mqtt.protocol_version="4"`)
	})

	t.Run("rejected", func(t *testing.T) {
		var out bytes.Buffer
		// message type 0 is reserved
		err := runProbe(reg, probeOptions{proto: "mqtt", hex: "0000", dir: "toserver"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "mqtt/tcp: rejected\n", out.String())
	})

	t.Run("every transport", func(t *testing.T) {
		var out bytes.Buffer
		err := runProbe(reg, probeOptions{proto: "krb5", hex: "00", dir: "toserver"}, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "krb5/udp: ")
		assert.Contains(t, out.String(), "krb5/tcp: ")
	})

	t.Run("one transport", func(t *testing.T) {
		var out bytes.Buffer
		err := runProbe(reg, probeOptions{proto: "krb5", transport: "tcp", hex: "00", dir: "toserver"}, &out)
		require.NoError(t, err)
		assert.NotContains(t, out.String(), "krb5/udp")
		assert.Contains(t, out.String(), "krb5/tcp: ")
	})

	t.Run("alias", func(t *testing.T) {
		var out bytes.Buffer
		err := runProbe(reg, probeOptions{proto: "ikev2", hex: "00", dir: "toserver"}, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "ike/udp: ")
	})

	t.Run("ntp", func(t *testing.T) {
		msg := make([]byte, 48)
		msg[0] = 4<<3 | 3
		var out bytes.Buffer
		err := runProbe(reg, probeOptions{proto: "ntp", hex: hex.EncodeToString(msg), dir: "toserver", parse: true}, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "ntp/udp: confirmed")
		assert.Contains(t, out.String(), "tx 0: ")
	})
}

func TestRunProbeErrors(t *testing.T) {
	reg := testRegistry(t)

	tests := []struct {
		name string
		opts probeOptions
		is   error
		msg  string
	}{
		{"unknown protocol", probeOptions{proto: "sip", hex: "00", dir: "toserver"}, core.ErrParserNotFound, ""},
		{"wrong transport", probeOptions{proto: "mqtt", transport: "udp", hex: "00", dir: "toserver"}, core.ErrParserNotFound, ""},
		{"bad transport", probeOptions{proto: "mqtt", transport: "sctp", hex: "00", dir: "toserver"}, core.ErrUnsupportedProto, ""},
		{"bad hex", probeOptions{proto: "mqtt", hex: "zz", dir: "toserver"}, nil, "invalid hex payload"},
		{"bad direction", probeOptions{proto: "mqtt", hex: "00", dir: "up"}, nil, "invalid direction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runProbe(reg, tt.opts, &out)
			require.Error(t, err)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is), err.Error())
			}
			assert.Contains(t, err.Error(), tt.msg)
			assert.Empty(t, out.String())
		})
	}
}

func TestParseDirection(t *testing.T) {
	d, err := parseDirection("ToClient")
	require.NoError(t, err)
	assert.Equal(t, core.ToClient, d)

	d, err = parseDirection("ts")
	require.NoError(t, err)
	assert.Equal(t, core.ToServer, d)
}

func TestFormatLabels(t *testing.T) {
	assert.Equal(t, `a="1" b="x y"`, formatLabels(core.Labels{"b": "x y", "a": "1"}))
	assert.Empty(t, formatLabels(nil))
}
