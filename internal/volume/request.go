package volume

import "strings"

// ConnectionInfo is one attach or detach request as received from a caller
type ConnectionInfo struct {
	FCPs        []string `json:"zvm_fcp"`
	TargetWWPNs []string `json:"target_wwpn"`
	TargetLUN   string   `json:"target_lun"`
	AssignerID  string   `json:"assigner_id"`
	// Multipath is "true" or "false"
	Multipath  string `json:"multipath"`
	OSVersion  string `json:"os_version"`
	MountPoint string `json:"mount_point"`

	IsRootVolume          bool `json:"is_root_volume,omitempty"`
	UpdateConnectionsOnly bool `json:"update_connections_only,omitempty"`
}

// Request is a normalized ConnectionInfo: the assigner is uppercase, device
// numbers and WWPNs are lowercase.
type Request struct {
	FCPs        []string
	TargetWWPNs []string
	TargetLUN   string
	AssignerID  string
	Multipath   bool
	OSVersion   string
	MountPoint  string

	IsRootVolume          bool
	UpdateConnectionsOnly bool
}

// Normalize returns the request in canonical case
func (c *ConnectionInfo) Normalize() *Request {
	return &Request{
		FCPs:                  lowerAll(c.FCPs),
		TargetWWPNs:           lowerAll(c.TargetWWPNs),
		TargetLUN:             c.TargetLUN,
		AssignerID:            strings.ToUpper(c.AssignerID),
		Multipath:             strings.EqualFold(strings.TrimSpace(c.Multipath), "true"),
		OSVersion:             c.OSVersion,
		MountPoint:            c.MountPoint,
		IsRootVolume:          c.IsRootVolume,
		UpdateConnectionsOnly: c.UpdateConnectionsOnly,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
