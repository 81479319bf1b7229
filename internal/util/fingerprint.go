// Package util holds small helpers shared across the gateway: the machine
// fingerprint used in upstream user-agent headers and the outbound proxy
// selection.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

var (
	macSHAOnce sync.Once
	macSHA     string
)

// zeroMAC is the fallback identity when no usable interface exists.
const zeroMAC = "00:00:00:00:00:00"

// MachineFingerprint returns the SHA-256 hex digest of the first
// non-internal, non-zero hardware address formatted "aa:bb:cc:dd:ee:ff".
// The value is computed once per process.
func MachineFingerprint() string {
	macSHAOnce.Do(func() {
		macSHA = hashMAC(firstMAC())
	})
	return macSHA
}

func firstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return zeroMAC
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		hw := iface.HardwareAddr
		if len(hw) < 6 || isZero(hw) {
			continue
		}
		parts := make([]string, len(hw))
		for i, b := range hw {
			parts[i] = fmt.Sprintf("%02x", b)
		}
		return strings.Join(parts, ":")
	}
	return zeroMAC
}

func isZero(hw net.HardwareAddr) bool {
	for _, b := range hw {
		if b != 0 {
			return false
		}
	}
	return true
}

func hashMAC(mac string) string {
	sum := sha256.Sum256([]byte(mac))
	return hex.EncodeToString(sum[:])
}

// ProxyFunc returns the proxy selector for the upstream HTTP transport.
// Proxy use is opt-in: unless useSystemProxy is set, outbound requests go
// direct regardless of HTTP(S)_PROXY in the environment.
func ProxyFunc(useSystemProxy bool) func(*http.Request) (*url.URL, error) {
	if useSystemProxy {
		return http.ProxyFromEnvironment
	}
	return nil
}
