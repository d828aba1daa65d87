// Package smt is the remote command channel towards the hypervisor and the
// guests: FCP inventory, device dedicate/undedicate, command execution in a
// guest and file transfer into its reader.
package smt

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/haoxy000/feilong/internal/errdefs"
)

// Client is the transport used by the FCP pool and the volume orchestration.
// Calls block until the remote side answers; timeouts are the transport's
// own business.
type Client interface {
	// FCPInfoByStatus returns the inventory lines, five per device, of the
	// FCP devices in the given status ("free" or "active").
	FCPInfoByStatus(userid, status string) ([]string, error)

	DedicateDevice(userid, vaddr, raddr string, mode int) error
	UndedicateDevice(userid, vaddr string) error

	// ExecuteCmd runs cmd in the guest and fails with *RequestError on a
	// non-zero exit.
	ExecuteCmd(userid, cmd string) ([]string, error)
	// ExecuteCmdDirect runs cmd in the guest and reports the exit code
	// instead of failing on it.
	ExecuteCmdDirect(userid, cmd string) (*Result, error)

	// PunchFile transfers a local file into the reader of the guest
	PunchFile(userid, path, class string) error
	// GuestTempPath returns a fresh local directory for files bound to userid
	GuestTempPath(userid string) (string, error)

	UserIDExists(userid string) (bool, error)
	// HostName returns the name of the hypervisor host (LPAR)
	HostName() (string, error)

	RefreshBootmap(req *BootmapRequest) ([]string, error)
}

// Result is the outcome of a command run in a guest
type Result struct {
	RC     int      `json:"rc"`
	Output []string `json:"response"`
}

// BootmapRequest describes the root volume whose boot map is rebuilt
type BootmapRequest struct {
	FCPChannels    []string `json:"fcpchannel"`
	WWPNs          []string `json:"wwpn"`
	LUN            string   `json:"lun"`
	WWID           string   `json:"wwid,omitempty"`
	TransportFiles string   `json:"transportfiles,omitempty"`
}

// RequestError is a failed remote request
type RequestError struct {
	Cmd    string
	RC     int
	RS     int
	Output []string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("smt request %q failed with rc=%d rs=%d: %s",
		e.Cmd, e.RC, e.RS, strings.Join(e.Output, "; "))
}

// Is matches errdefs.ErrAlreadyInDesiredState for the return codes that say
// the device is not dedicated to the guest any more.
func (e *RequestError) Is(target error) bool {
	return target == errdefs.ErrAlreadyInDesiredState &&
		(e.RC == 404 || (e.RC == 204 && e.RS == 8))
}

// IsAlreadyUndedicated reports whether err says the device is not
// dedicated to the guest any more.
func IsAlreadyUndedicated(err error) bool {
	return errors.Is(err, errdefs.ErrAlreadyInDesiredState)
}

// IsUnauthorized reports whether err is an IUCV authorization failure
func IsUnauthorized(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	for _, line := range reqErr.Output {
		if strings.Contains(line, "UNAUTHORIZED_ERROR") {
			return true
		}
	}
	return false
}

// FirstLine returns the first output line of a RequestError, or the error
// text for any other error.
func FirstLine(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && len(reqErr.Output) > 0 {
		return reqErr.Output[0]
	}
	return err.Error()
}
