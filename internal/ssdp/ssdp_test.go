package ssdp

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUseServiceRegistersAndUnregisters(t *testing.T) {
	a := NewAdvertiser(nil)

	unregister := a.UseService("sidekick", 5740, func() string { return "tcp://127.0.0.1:5740" })
	a.mu.Lock()
	_, ok := a.services["sidekick"]
	a.mu.Unlock()
	assert.True(t, ok)

	unregister()
	a.mu.Lock()
	_, ok = a.services["sidekick"]
	a.mu.Unlock()
	assert.False(t, ok)
}

func TestBuildNotifyContainsExpectedHeaders(t *testing.T) {
	notify := buildNotify("sidekick-server", "tcp://127.0.0.1:5740", "ssdp:alive")

	assert.True(t, strings.HasPrefix(notify, "NOTIFY * HTTP/1.1\r\n"))
	assert.Contains(t, notify, "LOCATION: tcp://127.0.0.1:5740")
	assert.Contains(t, notify, "NT: urn:flockwave-org:service:sidekick-server")
	assert.Contains(t, notify, "NTS: ssdp:alive")
	assert.Contains(t, notify, "HOST: 239.255.255.250:1900")
}

func TestBuildNotifyByebyeSubtype(t *testing.T) {
	notify := buildNotify("sidekick-server", "tcp://127.0.0.1:5740", "ssdp:byebye")
	assert.Contains(t, notify, "NTS: ssdp:byebye")
}

func openTestConn(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	group, err := net.ResolveUDPAddr("udp4", "127.0.0.1:1900")
	require.NoError(t, err)
	return conn, group
}

func TestAnnounceAllSkipsEmptyLocation(t *testing.T) {
	a := NewAdvertiser(nil)
	a.UseService("silent", 1, func() string { return "" })

	conn, group := openTestConn(t)
	assert.NotPanics(t, func() { a.announceAll(conn, group) })
}

func TestAnnounceAllSendsNotifyForEachService(t *testing.T) {
	a := NewAdvertiser(nil)
	a.UseService("sidekick", 5740, func() string { return "tcp://127.0.0.1:5740" })

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer sender.Close()

	a.announceAll(sender, listener.LocalAddr().(*net.UDPAddr))

	buf := make([]byte, 1024)
	n, err := listener.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "NTS: ssdp:alive")
	assert.Contains(t, string(buf[:n]), "sidekick")
}

func TestWithdrawAllSendsByebye(t *testing.T) {
	a := NewAdvertiser(nil)
	a.UseService("sidekick", 5740, func() string { return "tcp://127.0.0.1:5740" })

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer sender.Close()

	a.withdrawAll(sender, listener.LocalAddr().(*net.UDPAddr))

	buf := make([]byte, 1024)
	n, err := listener.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "NTS: ssdp:byebye")
}
