package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ilidar-tool/internal/fleet"
)

func TestParseTargetsAll(t *testing.T) {
	targets, err := parseTargets([]string{"all"})
	require.NoError(t, err)
	require.Equal(t, []fleet.Target{fleet.AllSensors()}, targets)
}

func TestParseTargetsMixedIPsAndSerials(t *testing.T) {
	targets, err := parseTargets([]string{"192.168.5.200", "457"})
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, fleet.ByIP(net.ParseIP("192.168.5.200").To4()), targets[0])
	require.Equal(t, fleet.BySerial(457), targets[1])
}

func TestParseTargetsRejectsAllCombinedWithOthers(t *testing.T) {
	_, err := parseTargets([]string{"all", "457"})
	require.Error(t, err)
}

func TestParseTargetsRejectsOutOfRangeSerial(t *testing.T) {
	_, err := parseTargets([]string{"70000"})
	require.Error(t, err)
}

func TestParseTargetsRejectsGarbage(t *testing.T) {
	_, err := parseTargets([]string{"not-a-target"})
	require.Error(t, err)
}

func TestParseTargetsRejectsEmpty(t *testing.T) {
	_, err := parseTargets(nil)
	require.Error(t, err)
}

func TestParseSenderToken(t *testing.T) {
	opt, err := parseSenderToken("192.168.5.10:7256")
	require.NoError(t, err)
	require.True(t, opt.IP.Equal(net.ParseIP("192.168.5.10")))
	require.Equal(t, 7256, opt.Port)
}

func TestParseSenderTokenRejectsBadPort(t *testing.T) {
	_, err := parseSenderToken("192.168.5.10:notaport")
	require.Error(t, err)
}

func TestParseSenderTokenRejectsNonIPv4(t *testing.T) {
	_, err := parseSenderToken("not-an-ip:7256")
	require.Error(t, err)
}

func TestNetworkOptionsBuildsFromRepeatedFlags(t *testing.T) {
	opts, err := networkOptions(
		[]string{"192.168.5.10:7256"},
		nil,
		nil,
	)
	require.NoError(t, err)
	require.Len(t, opts.Sender, 1)
	require.Equal(t, 7256, opts.Sender[0].Port)
}

func TestNetworkOptionsCartesianInputs(t *testing.T) {
	opts, err := networkOptions(nil, []string{"192.168.5.10"}, []string{"7256"})
	require.NoError(t, err)
	require.Len(t, opts.SenderIPs, 1)
	require.Equal(t, []int{7256}, opts.SenderPorts)
}

func TestNetworkOptionsRejectsBadSenderIP(t *testing.T) {
	_, err := networkOptions(nil, []string{"not-an-ip"}, nil)
	require.Error(t, err)
}

func TestStringSliceFlagAccumulates(t *testing.T) {
	var s stringSliceFlag
	require.NoError(t, s.Set("a"))
	require.NoError(t, s.Set("b"))
	require.Equal(t, []string{"a", "b"}, []string(s))
	require.Equal(t, "a,b", s.String())
}
