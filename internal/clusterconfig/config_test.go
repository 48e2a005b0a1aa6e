package clusterconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	srv, ok := Parse("server.1=host:999;learner;25")
	require.True(t, ok)
	require.Equal(t, Server{ID: 1, Endpoint: "host:999", Learner: true, Priority: 25}, srv)
}

func TestParseNegativeIDRejected(t *testing.T) {
	_, ok := Parse("server.-5=1:2")
	require.False(t, ok)
}

func TestParseIPv6(t *testing.T) {
	srv, ok := Parse("server.1=2001:0db8:85a3:0000:0000:8a2e:0370:7334:80")
	require.True(t, ok)
	require.Equal(t, int64(1), srv.ID)
	require.Equal(t, "2001:0db8:85a3:0000:0000:8a2e:0370:7334:80", srv.Endpoint)
}

func TestParseDefaultsToParticipant(t *testing.T) {
	srv, ok := Parse("server.2=host:111")
	require.True(t, ok)
	require.False(t, srv.Learner)
	require.Equal(t, 0, srv.Priority)
}

func TestParseListDuplicateIDInvalidatesAll(t *testing.T) {
	out := ParseList("server.1=a:1,server.1=b:2")
	require.Nil(t, out)
}

func TestParseListDuplicateEndpointInvalidatesAll(t *testing.T) {
	out := ParseList("server.1=a:1,server.2=a:1")
	require.Nil(t, out)
}

func TestParseListOK(t *testing.T) {
	out := ParseList("server.1=a:1;participant,server.2=b:2;learner;10")
	require.Len(t, out, 2)
	require.Equal(t, int64(1), out[0].ID)
	require.True(t, out[1].Learner)
}
