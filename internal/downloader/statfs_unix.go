//go:build linux || darwin || freebsd

package downloader

import "golang.org/x/sys/unix"

// OSDiskStatter reads capacity with statfs(2).
func OSDiskStatter() DiskStatter {
	return DiskStatterFunc(func(path string) (int64, int64, error) {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return 0, 0, err
		}
		bsize := int64(st.Bsize)
		return int64(st.Blocks) * bsize, int64(st.Bavail) * bsize, nil
	})
}
