package volume

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/errdefs"
	"github.com/haoxy000/feilong/internal/smt"
)

// DefaultPunchClass is the spool class of the punched configuration scripts
const DefaultPunchClass = "X"

const (
	attachScriptName = "atvol.sh"
	detachScriptName = "devol.sh"
	statusCmd        = "systemctl status zvmguestconfigure.service"
)

var systemctlStatusRe = regexp.MustCompile(`status=([0-9]+)`)

// Configurator brings a volume online in the guest or takes it offline
type Configurator interface {
	ConfigAttach(req *Request) error
	// ConfigDetach is given the highest connection count left on the
	// request's devices; 0 means the devices go away as well.
	ConfigDetach(req *Request, connections int) error
}

// ScriptConfigurator generates a script for the guest distribution, punches
// it into the guest reader and, when the guest is up, has the guest run it.
type ScriptConfigurator struct {
	client     smt.Client
	punchClass string
}

// NewScriptConfigurator creates a ScriptConfigurator; an empty class uses
// DefaultPunchClass.
func NewScriptConfigurator(client smt.Client, punchClass string) *ScriptConfigurator {
	if punchClass == "" {
		punchClass = DefaultPunchClass
	}
	return &ScriptConfigurator{client: client, punchClass: punchClass}
}

func (c *ScriptConfigurator) ConfigAttach(req *Request) error {
	fields := log.Fields{"userid": req.AssignerID, "fcps": req.FCPs, "wwpns": req.TargetWWPNs, "lun": req.TargetLUN}
	log.WithFields(fields).Info("begin to configure volume in the guest")

	gen, err := GeneratorFor(req.OSVersion)
	if err != nil {
		return err
	}
	script, err := gen.AttachScript(scriptParams(req, 0))
	if err != nil {
		return err
	}
	if err := c.punchScript(req.AssignerID, attachScriptName, script); err != nil {
		return err
	}

	failed, exitCode, err := c.activate(req.AssignerID, gen)
	if err != nil {
		return err
	}
	switch {
	case !failed:
	case exitCode == 1:
		return errors.Wrapf(errdefs.ErrOperationFailed,
			"attach script execution failed because the volume (WWPN:%v, LUN:%s) did not show up in %s, please check its connections",
			req.TargetWWPNs, req.TargetLUN, req.AssignerID)
	default:
		return errors.Wrapf(errdefs.ErrOperationFailed,
			"attach script execution in %s for volume (WWPN:%v, LUN:%s) failed with unknown reason, exit code is %d",
			req.AssignerID, req.TargetWWPNs, req.TargetLUN, exitCode)
	}

	log.WithFields(fields).Info("configuration of volume in the guest is done")
	return nil
}

func (c *ScriptConfigurator) ConfigDetach(req *Request, connections int) error {
	fields := log.Fields{"userid": req.AssignerID, "fcps": req.FCPs, "wwpns": req.TargetWWPNs, "lun": req.TargetLUN}
	log.WithFields(fields).Info("begin to deconfigure volume in the guest")

	gen, err := GeneratorFor(req.OSVersion)
	if err != nil {
		return err
	}
	script, err := gen.DetachScript(scriptParams(req, connections))
	if err != nil {
		return err
	}
	if err := c.punchScript(req.AssignerID, detachScriptName, script); err != nil {
		return err
	}

	failed, exitCode, err := c.activate(req.AssignerID, gen)
	if err != nil {
		return err
	}
	switch {
	case !failed:
	case exitCode == 1:
		return errors.Wrapf(errdefs.ErrOperationFailed,
			"detach script execution failed because the devices %v in %s are in use",
			req.FCPs, req.AssignerID)
	default:
		return errors.Wrapf(errdefs.ErrOperationFailed,
			"detach script execution on FCP %v in %s failed with unknown reason, exit code is %d",
			req.FCPs, req.AssignerID, exitCode)
	}

	log.WithFields(fields).Info("deconfiguration of volume in the guest is done")
	return nil
}

// punchScript writes script into a temporary directory, punches it into the
// guest reader and removes the directory again.
func (c *ScriptConfigurator) punchScript(userid, name, script string) error {
	dir, err := c.client.GuestTempPath(userid)
	if err != nil {
		return errors.Wrapf(err, "create temporary directory for %s", userid)
	}
	defer func() {
		log.WithField("dir", dir).Debug("removing script directory")
		os.RemoveAll(dir)
	}()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	log.WithFields(log.Fields{"userid": userid, "file": path}).Debug("created volume configuration script")

	return c.client.PunchFile(userid, path, c.punchClass)
}

// activate makes a running guest process its reader. It reports whether
// the activation failed and, if so, the exit code of the configuration
// service. A guest that is not reachable over IUCV is taken as powered off
// and will pick the script up at boot.
func (c *ScriptConfigurator) activate(userid string, gen Generator) (bool, int, error) {
	ready, err := c.iucvReady(userid)
	if err != nil || !ready {
		return false, 0, err
	}

	res, err := c.client.ExecuteCmdDirect(userid, gen.ActivateCmd())
	if err != nil {
		return false, 0, err
	}
	log.WithFields(log.Fields{"userid": userid, "rc": res.RC, "output": res.Output}).Debug("volume scripts returned")
	if res.RC == 0 {
		return false, 0, nil
	}

	exitCode, err := c.serviceExitCode(userid)
	if err != nil {
		return false, 0, err
	}
	log.WithFields(log.Fields{"userid": userid, "rc": res.RC, "exit_code": exitCode}).Error("volume script execution failed")
	return true, exitCode, nil
}

func (c *ScriptConfigurator) iucvReady(userid string) (bool, error) {
	_, err := c.client.ExecuteCmd(userid, "pwd")
	if err == nil {
		return true, nil
	}
	if smt.IsUnauthorized(err) {
		log.WithField("userid", userid).WithError(err).Error("IUCV failed to get authorization from guest")
		return false, errors.Wrapf(errdefs.ErrOperationFailed,
			"IUCV failed to get authorization from %s: %s", userid, smt.FirstLine(err))
	}
	var reqErr *smt.RequestError
	if errors.As(err, &reqErr) {
		log.WithField("userid", userid).Debugf("failed to connect guest, assume it is off and continue: %s", smt.FirstLine(err))
		return false, nil
	}
	return false, err
}

// serviceExitCode reads the exit code from the "Main PID" line of
// systemctl status, e.g. "Main PID: 28406 (code=exited, status=1/FAILURE)".
func (c *ScriptConfigurator) serviceExitCode(userid string) (int, error) {
	res, err := c.client.ExecuteCmdDirect(userid, statusCmd)
	if err != nil {
		return 0, err
	}
	for _, line := range res.Output {
		if !strings.Contains(line, "Main PID") {
			continue
		}
		if m := systemctlStatusRe.FindStringSubmatch(line); m != nil {
			code, _ := strconv.Atoi(m[1])
			return code, nil
		}
		break
	}
	return 0, nil
}
