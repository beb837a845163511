// Package model contains the data shapes shared across the hypervisor: the
// remote host, the inventory's desired instances and the observed level
// state the driver reconstructs for them.
package model

import "time"

// Host is a remote container host, addressed as [user@]ip.
type Host struct {
	// HostString is the raw configured address, e.g. "core@10.0.0.4".
	HostString string
	// IP is the resolved host part: the segment after '@', or the whole
	// string when there is no '@'.
	IP string
}

// NewHost parses a "[user@]ip" configuration entry into a Host.
func NewHost(hostString string) Host {
	ip := hostString
	for i := len(hostString) - 1; i >= 0; i-- {
		if hostString[i] == '@' {
			ip = hostString[i+1:]
			break
		}
	}
	return Host{HostString: hostString, IP: ip}
}

// LevelDefaults carries the per-instance redump policy from the inventory.
type LevelDefaults struct {
	RedumpSeconds int `json:"redump_seconds"`
}

// DesiredLevel is the embedded level document of a DesiredInstance.
type DesiredLevel struct {
	URL      string        `json:"url"`
	Defaults LevelDefaults `json:"defaults"`
}

// DesiredInstance is the external, read-only shape consumed from the
// inventory API.
type DesiredInstance struct {
	ID     string       `json:"id"`
	Active bool         `json:"active"`
	ETag   string       `json:"_etag"`
	Level  DesiredLevel `json:"level"`
}

// HasURL reports whether the desired instance carries a tarball URL.
func (d DesiredInstance) HasURL() bool {
	return d.Level.URL != ""
}

// Passphrase is a single extracted secret, name/value.
type Passphrase struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Level is the observed realization of an instance on a host.
type Level struct {
	ID          string
	Address     string
	DumpedAt    time.Time
	Version     string
	Passphrases []Passphrase
	// Source is the hex SHA-224 of the tarball URL currently extracted
	// for this instance on its host.
	Source string
}
