package diskio

import (
	"golang.org/x/sys/unix"
)

// preadv2/pwritev2 need linux >= 4.6
const (
	minKernelMajor = 4
	minKernelMinor = 6
)

// probeFastPath checks once at startup whether kernel-assisted I/O is usable.
func probeFastPath() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	major, minor, ok := parseKernelRelease(uts.Release[:])
	if !ok {
		return false
	}
	if major > minKernelMajor {
		return true
	}
	return major == minKernelMajor && minor >= minKernelMinor
}

// parseKernelRelease extracts major.minor from a release string like "5.15.0-91-generic".
func parseKernelRelease(release []byte) (major, minor int, ok bool) {
	field := 0
	for _, c := range release {
		switch {
		case c >= '0' && c <= '9':
			if field == 0 {
				major = major*10 + int(c-'0')
			} else {
				minor = minor*10 + int(c-'0')
			}
			ok = true
		case c == '.':
			field++
			if field > 1 {
				return
			}
		default:
			return
		}
	}
	return
}

func fastReadAt(fd uintptr, p []byte, off int64) error {
	for len(p) > 0 {
		n, err := unix.Preadv2(int(fd), [][]byte{p}, off, unix.RWF_HIPRI)
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.EIO
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}

func fastWriteAt(fd uintptr, p []byte, off int64) error {
	for len(p) > 0 {
		n, err := unix.Pwritev2(int(fd), [][]byte{p}, off, unix.RWF_HIPRI)
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.EIO
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}
