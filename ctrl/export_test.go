//go:build linux

package ctrl

var NetRawOnly = netRawOnly
