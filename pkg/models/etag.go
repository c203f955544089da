package models

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionTag formats the entity tag the server issues for version of the
// resource id, e.g. "signal-v3". Clients must treat it as opaque.
func VersionTag(id string, version int) string {
	return fmt.Sprintf("%s-v%d", id, version)
}

// ParseVersionTag recovers the version from a tag issued by VersionTag.
func ParseVersionTag(id, tag string) (int, bool) {
	rest, ok := strings.CutPrefix(tag, id+"-v")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(rest)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}
