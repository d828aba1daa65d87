package smt

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Default locations of the zthin tooling
const (
	DefaultZthinBin = "/opt/zthin/bin"
	DefaultTempDir  = "/var/lib/feilong/guests"
)

// CP return code for "user not logged on"
const rcNotLoggedOn = 45

var (
	returnCodeRe = regexp.MustCompile(`Return Code:\s*(\d+)`)
	reasonCodeRe = regexp.MustCompile(`Reason Code:\s*(\d+)`)
)

// ExecConfig locates the local tools used by ExecClient
type ExecConfig struct {
	ZthinBin string
	TempDir  string
}

// ExecClient implements Client with the zthin command line tools (smcli,
// refresh_bootmap, the IUCV client) plus vmcp and vmur.
type ExecClient struct {
	cfg    ExecConfig
	runner Runner
}

// NewExecClient creates an ExecClient; a nil runner uses os/exec
func NewExecClient(cfg ExecConfig, runner Runner) *ExecClient {
	if cfg.ZthinBin == "" {
		cfg.ZthinBin = DefaultZthinBin
	}
	if cfg.TempDir == "" {
		cfg.TempDir = DefaultTempDir
	}
	if runner == nil {
		runner = NewRunner()
	}
	return &ExecClient{cfg: cfg, runner: runner}
}

func (c *ExecClient) smcli(args ...string) ([]string, error) {
	return c.run(filepath.Join(c.cfg.ZthinBin, "smcli"), args)
}

// run executes cmd and turns a non-zero exit into a *RequestError. The rc
// and rs are taken from the smcli "Return Code"/"Reason Code" lines when
// present, otherwise rc is the exit code.
func (c *ExecClient) run(cmd string, args []string) ([]string, error) {
	out, code, err := c.runner.ExecCmd(cmd, args)
	if err != nil {
		return nil, err
	}
	lines := splitLines(string(out))
	if code == 0 {
		return lines, nil
	}

	reqErr := &RequestError{
		Cmd:    strings.TrimSpace(filepath.Base(cmd) + " " + strings.Join(args, " ")),
		RC:     code,
		Output: lines,
	}
	if m := returnCodeRe.FindStringSubmatch(string(out)); m != nil {
		reqErr.RC, _ = strconv.Atoi(m[1])
	}
	if m := reasonCodeRe.FindStringSubmatch(string(out)); m != nil {
		reqErr.RS, _ = strconv.Atoi(m[1])
	}
	return nil, reqErr
}

// FCPInfoByStatus queries System_WWPN_Query and keeps the devices whose
// status matches. Lines are returned prefixed with the userid.
func (c *ExecClient) FCPInfoByStatus(userid, status string) ([]string, error) {
	lines, err := c.smcli("System_WWPN_Query", "-T", userid)
	if err != nil {
		return nil, err
	}

	var info, block []string
	flush := func() {
		if len(block) == 5 && strings.EqualFold(fieldValue(block[1]), status) {
			info = append(info, block...)
		}
		block = nil
	}
	for _, line := range lines {
		if strings.Contains(line, "FCP device number") {
			flush()
		}
		if block != nil || strings.Contains(line, "FCP device number") {
			block = append(block, userid+": "+strings.TrimSpace(line))
		}
	}
	flush()
	return info, nil
}

// DedicateDevice dedicates raddr as vaddr in the user directory of userid
// and, when the guest is logged on, to the running guest as well.
func (c *ExecClient) DedicateDevice(userid, vaddr, raddr string, mode int) error {
	fields := log.Fields{"userid": userid, "vaddr": vaddr, "raddr": raddr}
	log.WithFields(fields).Debug("dedicating device")

	m := strconv.Itoa(mode)
	if _, err := c.smcli("Image_Device_Dedicate_DM", "-T", userid, "-v", vaddr, "-r", raddr, "-R", m); err != nil {
		return err
	}
	on, err := c.loggedOn(userid)
	if err != nil || !on {
		return err
	}
	_, err = c.smcli("Image_Device_Dedicate", "-T", userid, "-v", vaddr, "-r", raddr, "-R", m)
	return err
}

// UndedicateDevice removes vaddr from the user directory of userid and
// from the running guest.
func (c *ExecClient) UndedicateDevice(userid, vaddr string) error {
	log.WithFields(log.Fields{"userid": userid, "vaddr": vaddr}).Debug("undedicating device")

	if _, err := c.smcli("Image_Device_Undedicate_DM", "-T", userid, "-v", vaddr); err != nil {
		return err
	}
	on, err := c.loggedOn(userid)
	if err != nil || !on {
		return err
	}
	_, err = c.smcli("Image_Device_Undedicate", "-T", userid, "-v", vaddr)
	return err
}

func (c *ExecClient) loggedOn(userid string) (bool, error) {
	_, err := c.run("vmcp", []string{"q", "user", userid})
	if err == nil {
		return true, nil
	}
	if reqErr, ok := err.(*RequestError); ok && reqErr.RC == rcNotLoggedOn {
		return false, nil
	}
	return false, err
}

func (c *ExecClient) iucv(userid, cmd string) ([]string, int, error) {
	out, code, err := c.runner.ExecCmd(filepath.Join(c.cfg.ZthinBin, "IUCV", "iucvclnt"), []string{userid, cmd})
	if err != nil {
		return nil, 0, err
	}
	return splitLines(string(out)), code, nil
}

// ExecuteCmd runs cmd in the guest through IUCV
func (c *ExecClient) ExecuteCmd(userid, cmd string) ([]string, error) {
	lines, code, err := c.iucv(userid, cmd)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &RequestError{Cmd: "iucvclnt " + userid + " " + cmd, RC: code, Output: lines}
	}
	return lines, nil
}

// ExecuteCmdDirect runs cmd in the guest through IUCV and returns its exit code
func (c *ExecClient) ExecuteCmdDirect(userid, cmd string) (*Result, error) {
	lines, code, err := c.iucv(userid, cmd)
	if err != nil {
		return nil, err
	}
	return &Result{RC: code, Output: lines}, nil
}

// PunchFile punches path into the reader of userid with the given spool class
func (c *ExecClient) PunchFile(userid, path, class string) error {
	log.WithFields(log.Fields{"userid": userid, "file": path, "class": class}).Debug("punching file")
	_, err := c.run("vmur", []string{"punch", "-t", "-u", userid, "-C", class, "-N", filepath.Base(path), path})
	return err
}

// GuestTempPath creates a new temporary directory for userid under TempDir
func (c *ExecClient) GuestTempPath(userid string) (string, error) {
	base := filepath.Join(c.cfg.TempDir, userid)
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, "")
}

// UserIDExists reports whether userid is defined in the user directory
func (c *ExecClient) UserIDExists(userid string) (bool, error) {
	_, err := c.smcli("Image_Query_DM", "-T", userid)
	if err == nil {
		return true, nil
	}
	if reqErr, ok := err.(*RequestError); ok && reqErr.RC == 400 && reqErr.RS == 4 {
		return false, nil
	}
	return false, err
}

// HostName returns the LPAR name from "vmcp q userid" ("ZHCP AT BOEM5401")
func (c *ExecClient) HostName() (string, error) {
	lines, err := c.run("vmcp", []string{"q", "userid"})
	if err != nil {
		return "", err
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 3 && strings.EqualFold(fields[1], "AT") {
			return fields[2], nil
		}
	}
	return "", nil
}

// RefreshBootmap runs refresh_bootmap for the given root volume
func (c *ExecClient) RefreshBootmap(req *BootmapRequest) ([]string, error) {
	args := []string{
		"--fcpchannel=" + strings.Join(req.FCPChannels, ","),
		"--wwpn=" + strings.Join(req.WWPNs, ","),
		"--lun=" + req.LUN,
	}
	if req.WWID != "" {
		args = append(args, "--wwid="+req.WWID)
	}
	if req.TransportFiles != "" {
		args = append(args, "--transportfiles="+req.TransportFiles)
	}
	return c.run(filepath.Join(c.cfg.ZthinBin, "refresh_bootmap"), args)
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
	}
	return lines
}

func fieldValue(line string) string {
	idx := strings.LastIndex(line, ":")
	return strings.TrimSpace(line[idx+1:])
}
