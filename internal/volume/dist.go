package volume

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"github.com/haoxy000/feilong/internal/errdefs"
)

// ScriptParams are the values handed to the guest side volume helper
type ScriptParams struct {
	FCPs        []string
	TargetWWPNs []string
	TargetLUN   string
	Multipath   bool
	MountPoint  string
	Connections int
}

func scriptParams(req *Request, connections int) ScriptParams {
	return ScriptParams{
		FCPs:        req.FCPs,
		TargetWWPNs: req.TargetWWPNs,
		TargetLUN:   req.TargetLUN,
		Multipath:   req.Multipath,
		MountPoint:  req.MountPoint,
		Connections: connections,
	}
}

// Generator produces the guest side configuration for one distribution
type Generator interface {
	AttachScript(p ScriptParams) (string, error)
	DetachScript(p ScriptParams) (string, error)
	// ActivateCmd makes a running guest process the scripts in its reader
	ActivateCmd() string
}

const volumeHelper = "/usr/bin/zvmguestconfigure-volume"

var scriptTmpl = template.Must(template.New("volume").Funcs(template.FuncMap{
	"join":    strings.Join,
	"shquote": shquote,
}).Parse(`#!/bin/bash
# {{.Action}} volume, distribution {{.Distro}}
export FCP_LIST={{shquote (join .FCPs " ")}}
export TARGET_WWPNS={{shquote (join .TargetWWPNs " ")}}
export TARGET_LUN={{shquote .TargetLUN}}
export MULTIPATH="{{.Multipath}}"
export MOUNT_POINT={{shquote .MountPoint}}
{{- if eq .Action "detach"}}
export CONNECTIONS="{{.Connections}}"
{{- end}}
exec {{.Helper}} {{.Action}} {{.Distro}}
`))

// shquote quotes s for a POSIX shell, nothing inside is expanded
func shquote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// helperGenerator hands the volume parameters to a helper installed in the
// guest image, which knows the distribution specific zfcp and multipath
// handling.
type helperGenerator struct {
	distro string
}

func (g *helperGenerator) render(action string, p ScriptParams) (string, error) {
	var buf bytes.Buffer
	err := scriptTmpl.Execute(&buf, struct {
		ScriptParams
		Action string
		Distro string
		Helper string
	}{p, action, g.distro, volumeHelper})
	if err != nil {
		return "", errors.Wrapf(err, "render %s script", action)
	}
	return buf.String(), nil
}

func (g *helperGenerator) AttachScript(p ScriptParams) (string, error) {
	return g.render("attach", p)
}

func (g *helperGenerator) DetachScript(p ScriptParams) (string, error) {
	return g.render("detach", p)
}

func (g *helperGenerator) ActivateCmd() string {
	return "systemctl start zvmguestconfigure.service"
}

var supportedDistros = []string{"rhel", "sles", "ubuntu"}

// GeneratorFor returns the generator for an os_version such as "rhel7.2"
// or "SLES12".
func GeneratorFor(osVersion string) (Generator, error) {
	v := strings.ToLower(strings.TrimSpace(osVersion))
	for _, d := range supportedDistros {
		if strings.HasPrefix(v, d) {
			return &helperGenerator{distro: d}, nil
		}
	}
	return nil, errors.Wrapf(errdefs.ErrConfiguration, "unsupported os version %q", osVersion)
}
