package fcp

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/errdefs"
)

var (
	rangeExpr   = `[0-9a-f]{1,4}(?:-[0-9a-f]{1,4})?`
	segmentExpr = fmt.Sprintf(`%s(?:,%s)*`, rangeExpr, rangeExpr)
	fcpListRe   = regexp.MustCompile(fmt.Sprintf(`(?i)^%s(?:;%s)*;?$`, segmentExpr, segmentExpr))
)

// PathMapping maps a path index to the sorted device numbers configured on
// that path.
type PathMapping map[int][]string

// Paths returns the path indexes in ascending order.
func (m PathMapping) Paths() []int {
	paths := make([]int, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Ints(paths)
	return paths
}

// PathOf returns the device number -> path index lookup for every
// configured device.
func (m PathMapping) PathOf() map[string]int {
	lookup := make(map[string]int)
	for path, devices := range m {
		for _, d := range devices {
			lookup[d] = path
		}
	}
	return lookup
}

// ExpandFCPList expands an fcp_list string such as "0011-0013;0021-0023" into
// one set of device numbers per path. Segments separated by ';' are paths,
// ',' separates single devices and ranges inside a path. Device numbers are
// returned lowercase and zero padded to four hex digits.
//
// An empty string yields an empty mapping. Any string outside the grammar,
// a reversed range, or a device listed on two paths yields ErrConfiguration.
func ExpandFCPList(fcpList string) (PathMapping, error) {
	log.WithField("fcp_list", fcpList).Debug("expanding FCP list")

	expr := strings.ReplaceAll(strings.TrimSpace(fcpList), " ", "")
	mapping := PathMapping{}
	if expr == "" {
		return mapping, nil
	}
	if !fcpListRe.MatchString(expr) {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "invalid FCP address %q", fcpList)
	}

	owner := make(map[string]int)
	for path, segment := range strings.Split(strings.TrimSuffix(expr, ";"), ";") {
		devices := make(map[string]struct{})
		for _, item := range strings.Split(segment, ",") {
			lo, hi, err := parseRange(item)
			if err != nil {
				return nil, errors.Wrapf(errdefs.ErrConfiguration, "invalid FCP address %q: %v", fcpList, err)
			}
			for addr := lo; addr <= hi; addr++ {
				devices[fmt.Sprintf("%04x", addr)] = struct{}{}
			}
		}

		list := make([]string, 0, len(devices))
		for d := range devices {
			if prev, dup := owner[d]; dup {
				return nil, errors.Wrapf(errdefs.ErrConfiguration,
					"invalid FCP address %q: %s is on path %d and path %d", fcpList, d, prev, path)
			}
			owner[d] = path
			list = append(list, d)
		}
		sort.Strings(list)
		mapping[path] = list
	}

	checkPathSizes(mapping)
	return mapping, nil
}

func parseRange(item string) (lo, hi uint64, err error) {
	bounds := strings.SplitN(item, "-", 2)
	lo, err = strconv.ParseUint(bounds[0], 16, 16)
	if err != nil {
		return 0, 0, err
	}
	hi = lo
	if len(bounds) == 2 {
		hi, err = strconv.ParseUint(bounds[1], 16, 16)
		if err != nil {
			return 0, 0, err
		}
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("range %s is reversed", item)
	}
	return lo, hi, nil
}

// checkPathSizes warns when paths carry a different number of devices.
func checkPathSizes(m PathMapping) {
	size := -1
	for _, p := range m.Paths() {
		if size == -1 {
			size = len(m[p])
			continue
		}
		if len(m[p]) != size {
			log.WithFields(log.Fields{
				"path":     p,
				"devices":  len(m[p]),
				"expected": size,
			}).Warn("FCP paths have different device counts")
		}
	}
}
