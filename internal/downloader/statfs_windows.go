//go:build windows

package downloader

import "golang.org/x/sys/windows"

// OSDiskStatter reads capacity with GetDiskFreeSpaceEx.
func OSDiskStatter() DiskStatter {
	return DiskStatterFunc(func(path string) (int64, int64, error) {
		p, err := windows.UTF16PtrFromString(path)
		if err != nil {
			return 0, 0, err
		}
		var freeToCaller, total, totalFree uint64
		if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &total, &totalFree); err != nil {
			return 0, 0, err
		}
		return int64(total), int64(freeToCaller), nil
	})
}
