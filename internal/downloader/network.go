package downloader

import "sync/atomic"

// NetworkState is a NetworkMonitor whose connection type is set from outside,
// e.g. by the host OS integration through the HTTP API.
type NetworkState struct {
	wifi atomic.Bool
}

func NewNetworkState(onWiFi bool) *NetworkState {
	n := &NetworkState{}
	n.wifi.Store(onWiFi)
	return n
}

func (n *NetworkState) OnWiFi() bool { return n.wifi.Load() }

// Set records the connection type and reports whether it changed.
func (n *NetworkState) Set(onWiFi bool) bool {
	return n.wifi.Swap(onWiFi) != onWiFi
}
