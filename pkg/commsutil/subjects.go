package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectResults       = "results"
	SubjectOffloadPrefix = "offload"
	SubjectDeviceMetrics = "metrics.devices"
	SubjectVMLoad        = "metrics.vms"
)

// BuildResultsSubject builds the reply subject a single call listens on.
func BuildResultsSubject(base, callID string) string {
	if base == "" {
		base = SubjectResults
	}
	return fmt.Sprintf("%s.%s", base, SafeToken(callID))
}

// BuildOffloadSubject builds the subject workers of a flavour consume from.
func BuildOffloadSubject(prefix, flavour string) string {
	if prefix == "" {
		prefix = SubjectOffloadPrefix
	}
	return fmt.Sprintf("%s.%s", prefix, SafeToken(flavour))
}

// BuildOffloadWildcard matches every flavour under prefix.
func BuildOffloadWildcard(prefix string) string {
	if prefix == "" {
		prefix = SubjectOffloadPrefix
	}
	return prefix + ".>"
}

// BuildDeviceMetricsSubject builds the subject device metrics of a user are
// published on.
func BuildDeviceMetricsSubject(user string) string {
	return fmt.Sprintf("%s.%s", SubjectDeviceMetrics, SafeToken(user))
}

// BuildVMLoadSubject builds the subject a worker reports its CPU load on.
func BuildVMLoadSubject(vmID int) string {
	return fmt.Sprintf("%s.%d", SubjectVMLoad, vmID)
}

// BuildVMLoadWildcard matches the load reports of every worker.
func BuildVMLoadWildcard() string {
	return SubjectVMLoad + ".*"
}

// SafeToken turns s into a single subject token. Separators, wildcards and
// whitespace become underscores.
func SafeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
