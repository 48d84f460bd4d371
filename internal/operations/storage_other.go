//go:build !unix

package operations

import "errors"

func statDisk(path string) (DiskUsage, error) {
	return DiskUsage{Path: path}, errors.New("disk usage is not supported on this platform")
}
