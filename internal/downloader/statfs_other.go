//go:build !linux && !darwin && !freebsd && !windows

package downloader

import "errors"

// OSDiskStatter is unsupported on this platform; inject a DiskStatter instead.
func OSDiskStatter() DiskStatter {
	return DiskStatterFunc(func(string) (int64, int64, error) {
		return 0, 0, errors.New("disk statistics are not supported on this platform")
	})
}
