package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerServesMetrics(t *testing.T) {
	ParseResultsTotal.WithLabelValues("mqtt", "toserver", "ok").Inc()

	s := NewServer("127.0.0.1:0", "")
	require.Nil(t, s.Addr())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `applayer_parse_results_total{direction="toserver",proto="mqtt",status="ok"}`)
}

func TestServerStopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "/m").Stop(context.Background()))
}

func TestServerHealthz(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/m")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestServerListenError(t *testing.T) {
	s := NewServer("127.0.0.1:-1", "")
	assert.Error(t, s.Start(context.Background()))
	assert.Nil(t, s.Addr())
}
