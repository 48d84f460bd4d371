//go:build unix

package operations

import "golang.org/x/sys/unix"

func statDisk(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{Path: path}, err
	}
	bsize := uint64(st.Bsize)
	return DiskUsage{
		Path:       path,
		TotalBytes: uint64(st.Blocks) * bsize,
		FreeBytes:  uint64(st.Bavail) * bsize,
	}, nil
}
