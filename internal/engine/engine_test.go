package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
	"firestige.xyz/applayer/plugins/parser/ntp"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var client = tcpKey("10.0.0.1", 40000, "10.0.0.2", 7000)

func TestDetectAndParseStream(t *testing.T) {
	for _, iter := range []bool{false, true} {
		name := "by id"
		if iter {
			name = "iterator"
		}
		t.Run(name, func(t *testing.T) {
			p := newLineParser(plugin.FlagUnidirTxs)
			p.iter = iter
			e, rec := newTestEngine(t, Options{}, p)

			e.HandleData(client, []byte("HEL"), t0)
			f, ok := e.Flows().Get(client)
			require.True(t, ok)
			assert.Equal(t, core.AppProtoUnknown, f.Proto)
			assert.Empty(t, rec.recs)

			e.HandleData(client, []byte("LO\nping\n"), t0)
			assert.Equal(t, core.AppProto(1), f.Proto)
			assert.Equal(t, "line", f.ProtoName())
			require.Equal(t, []string{"HELLO", "ping"}, rec.lines())

			r := rec.recs[1]
			assert.Equal(t, "line", r.AppProto)
			assert.Equal(t, uint64(1), r.TxID)
			assert.Equal(t, core.ToServer, r.Direction)
			assert.True(t, r.Complete)
			assert.Equal(t, uint16(40000), r.SrcPort)
			assert.Equal(t, uint16(7000), r.DstPort)
			assert.Equal(t, uint8(core.IPProtoTCP), r.Protocol)
			assert.Equal(t, t0, r.Timestamp)

			e.HandleData(client.Reverse(), []byte("pong\n"), t0)
			require.Len(t, rec.recs, 3)
			assert.Equal(t, core.ToClient, rec.recs[2].Direction)
			assert.Equal(t, uint64(2), rec.recs[2].TxID)

			e.HandleData(client, []byte("\n"), t0)
			require.Len(t, rec.recs, 4)
			assert.Equal(t, []string{"empty_line"}, rec.recs[3].Events)

			st := p.states[0]
			assert.Equal(t, 0, st.txs.Len(), "reported transactions are freed")
			assert.Equal(t, 4, st.applied)
		})
	}
}

func TestIncompleteRetainsTail(t *testing.T) {
	e, rec := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs))

	e.HandleData(client, []byte("HELLO\nab"), t0)
	require.Equal(t, []string{"HELLO"}, rec.lines())
	f, _ := e.Flows().Get(client)
	d := f.dir(core.ToServer)
	assert.Equal(t, []byte("ab"), d.pending)
	assert.Equal(t, 3, d.needed)

	e.HandleData(client, []byte("c"), t0)
	assert.Equal(t, []byte("abc"), d.pending)
	assert.Equal(t, 4, d.needed)

	e.HandleData(client, []byte("\n"), t0)
	assert.Equal(t, []string{"HELLO", "abc"}, rec.lines())
	assert.Empty(t, d.pending)
	assert.Zero(t, d.needed)
}

func TestPendingOverflowStopsDirection(t *testing.T) {
	e, rec := newTestEngine(t, Options{MaxPendingBytes: 8}, newLineParser(plugin.FlagUnidirTxs))

	e.HandleData(client, []byte("HELLO\n0123456789"), t0)
	f, _ := e.Flows().Get(client)
	assert.True(t, f.dir(core.ToServer).stopped)
	assert.Empty(t, f.dir(core.ToServer).pending)

	e.HandleData(client, []byte("\n"), t0)
	assert.Equal(t, []string{"HELLO"}, rec.lines())
}

func TestProbeRejected(t *testing.T) {
	e, rec := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs))

	e.HandleData(client, []byte("GET / HTTP/1.1\r\n"), t0)
	f, _ := e.Flows().Get(client)
	assert.Equal(t, core.AppProtoFailed, f.Proto)
	assert.Empty(t, f.dir(core.ToServer).pending)

	e.HandleData(client, []byte("HELLO\n"), t0)
	assert.Empty(t, rec.recs)
}

func TestProbeDepthExceeded(t *testing.T) {
	p := newLineParser(plugin.FlagUnidirTxs)
	p.info.MaxDepth = 4
	e, _ := newTestEngine(t, Options{}, p)

	e.HandleData(client, []byte("HE"), t0)
	f, _ := e.Flows().Get(client)
	assert.Equal(t, core.AppProtoUnknown, f.Proto)

	e.HandleData(client, []byte("LL"), t0)
	assert.Equal(t, core.AppProtoFailed, f.Proto)
}

func TestMinDepthDefersProbe(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs))

	// "X" is not a prefix of HELLO but is too short to be probed.
	e.HandleData(client, []byte("X"), t0)
	f, _ := e.Flows().Get(client)
	assert.Equal(t, core.AppProtoUnknown, f.Proto)

	e.HandleData(client, []byte("Y"), t0)
	assert.Equal(t, core.AppProtoFailed, f.Proto)
}

func TestServerFirstReversesFlow(t *testing.T) {
	p := newLineParser(plugin.FlagUnidirTxs)
	p.revDir = core.ToClient
	e, rec := newTestEngine(t, Options{}, p)

	server := client.Reverse()
	e.HandleData(server, []byte("HELLO\n"), t0)
	f, ok := e.Flows().Get(server)
	require.True(t, ok)
	assert.Equal(t, client, f.Key)
	require.Len(t, rec.recs, 1)
	assert.Equal(t, core.ToClient, rec.recs[0].Direction)
	assert.Equal(t, client.SrcIP, rec.recs[0].SrcIP)

	e.HandleData(client, []byte("hi\n"), t0)
	require.Len(t, rec.recs, 2)
	assert.Equal(t, core.ToServer, rec.recs[1].Direction)
}

func TestParseErrorStopsDirection(t *testing.T) {
	tests := []struct {
		name string
		bad  string
	}{
		{"error", "BAD"},
		{"panic", "PANIC"},
		{"contract violation", "LIE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs))

			require.NotPanics(t, func() {
				e.HandleData(client, []byte("HELLO\n"+tt.bad+"\nlost\n"), t0)
			})
			f, _ := e.Flows().Get(client)
			assert.True(t, f.dir(core.ToServer).stopped)
			assert.Equal(t, []string{"HELLO"}, rec.lines())

			e.HandleData(client, []byte("more\n"), t0)
			assert.Len(t, rec.recs, 1)

			e.HandleData(client.Reverse(), []byte("pong\n"), t0)
			assert.Equal(t, []string{"HELLO", "pong"}, rec.lines())
		})
	}
}

func TestGaps(t *testing.T) {
	t.Run("stops direction", func(t *testing.T) {
		e, rec := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs))
		e.HandleData(client, []byte("HELLO\nab"), t0)
		e.HandleGap(client, t0)

		f, _ := e.Flows().Get(client)
		assert.True(t, f.dir(core.ToServer).stopped)
		e.HandleData(client, []byte("cd\n"), t0)
		assert.Equal(t, []string{"HELLO"}, rec.lines())
	})

	t.Run("accepted", func(t *testing.T) {
		e, rec := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs|plugin.FlagAcceptGaps))
		e.HandleData(client, []byte("HELLO\nab"), t0)
		e.HandleGap(client, t0)

		f, _ := e.Flows().Get(client)
		assert.False(t, f.dir(core.ToServer).stopped)
		assert.Empty(t, f.dir(core.ToServer).pending)
		e.HandleData(client, []byte("cd\n"), t0)
		assert.Equal(t, []string{"HELLO", "cd"}, rec.lines())
	})

	t.Run("while probing", func(t *testing.T) {
		e, _ := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs))
		e.HandleData(client, []byte("HE"), t0)
		e.HandleGap(client, t0)

		f, _ := e.Flows().Get(client)
		assert.Equal(t, core.AppProtoFailed, f.Proto)
	})
}

func TestEndStreamReportsIncompleteTransactions(t *testing.T) {
	p := newLineParser(0)
	e, rec := newTestEngine(t, Options{}, p)

	e.HandleData(client, []byte("HELLO\nab"), t0)
	assert.Empty(t, rec.recs, "transactions need both directions")

	e.EndStream(client, t0)
	st := p.states[0]
	assert.Equal(t, []core.Direction{core.ToServer}, st.truncated)
	assert.Equal(t, 1, e.Flows().Count())
	assert.Empty(t, rec.recs)

	e.EndStream(client.Reverse(), t0.Add(time.Second))
	assert.Zero(t, e.Flows().Count())
	assert.True(t, st.freed)
	require.Len(t, rec.recs, 1)
	assert.Equal(t, "HELLO", rec.recs[0].Labels["line"])
	assert.False(t, rec.recs[0].Complete)
	assert.Equal(t, t0.Add(time.Second), rec.recs[0].Timestamp)
}

func TestExpire(t *testing.T) {
	p := newLineParser(plugin.FlagUnidirTxs)
	e, _ := newTestEngine(t, Options{FlowTimeout: time.Minute}, p)

	e.HandleData(client, []byte("HELLO\nab"), t0)
	assert.Zero(t, e.Expire(t0.Add(30*time.Second)))
	assert.Equal(t, 1, e.Flows().Count())

	assert.Equal(t, 1, e.Expire(t0.Add(2*time.Minute)))
	assert.Zero(t, e.Flows().Count())
	assert.Equal(t, []core.Direction{core.ToServer}, p.states[0].truncated)
	assert.True(t, p.states[0].freed)
}

func TestExpireDisabled(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs))
	e.HandleData(client, []byte("HELLO\n"), t0)
	assert.Zero(t, e.Expire(t0.Add(24*time.Hour)))
}

func TestClose(t *testing.T) {
	p := newLineParser(0)
	e, rec := newTestEngine(t, Options{}, p)

	e.HandleData(client, []byte("HELLO\n"), t0)
	e.HandleData(tcpKey("10.0.0.3", 40001, "10.0.0.2", 7000), []byte("HELLO\n"), t0)
	require.Equal(t, 2, e.Flows().Count())

	e.Close(t0)
	assert.Zero(t, e.Flows().Count())
	assert.Equal(t, []string{"HELLO", "HELLO"}, rec.lines())
}

func TestMaxFlows(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxFlows: 1}, newLineParser(plugin.FlagUnidirTxs))

	other := tcpKey("10.0.0.3", 40001, "10.0.0.2", 7000)
	e.HandleData(client, []byte("HELLO\n"), t0)
	e.HandleData(other, []byte("HELLO\n"), t0)

	assert.Equal(t, 1, e.Flows().Count())
	_, ok := e.Flows().Get(other)
	assert.False(t, ok)
}

func TestNoCandidates(t *testing.T) {
	e, rec := newTestEngine(t, Options{}, newLineParser(plugin.FlagUnidirTxs))

	key := udpKey("10.0.0.1", 40000, "10.0.0.2", 7000)
	e.HandleData(key, []byte("HELLO\n"), t0)
	f, ok := e.Flows().Get(key)
	require.True(t, ok)
	assert.Equal(t, core.AppProtoFailed, f.Proto)
	assert.Empty(t, rec.recs)
}

func TestDetectionWithoutParsing(t *testing.T) {
	p := newLineParser(plugin.FlagUnidirTxs)
	e, rec := newTestEngine(t, Options{}, p)
	require.NoError(t, e.reg.Configure("line", true, false, nil))

	e.HandleData(client, []byte("HELLO\nping\n"), t0)
	f, _ := e.Flows().Get(client)
	assert.Equal(t, core.AppProto(1), f.Proto)
	assert.Nil(t, f.state)
	assert.Empty(t, f.dir(core.ToServer).pending)
	assert.Empty(t, p.states)
	assert.Empty(t, rec.recs)
}

func TestDatagramsWithNTP(t *testing.T) {
	e, rec := newTestEngine(t, Options{}, ntp.NewParser())

	msg := make([]byte, 48)
	msg[0] = 4<<3 | 3 // v4 client
	msg[1] = 2
	key := udpKey("192.168.1.10", 50123, "192.168.1.1", 123)

	e.HandleData(key, msg, t0)
	f, ok := e.Flows().Get(key)
	require.True(t, ok)
	assert.Equal(t, "ntp", f.ProtoName())
	require.Len(t, rec.recs, 1)
	assert.Equal(t, "ntp", rec.recs[0].AppProto)
	assert.Equal(t, "4", rec.recs[0].Labels[core.LabelNTPVersion])
	assert.Equal(t, uint8(core.IPProtoUDP), rec.recs[0].Protocol)
	assert.Empty(t, f.dir(core.ToServer).pending, "datagrams are never retained")

	reply := append([]byte(nil), msg...)
	reply[0] = 4<<3 | 4
	e.HandleData(key.Reverse(), reply, t0)
	assert.Len(t, rec.recs, 1, "server replies create no transaction")
}
