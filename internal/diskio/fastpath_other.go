//go:build !linux

package diskio

func probeFastPath() bool { return false }

func fastReadAt(fd uintptr, p []byte, off int64) error  { panic("no fast path") }
func fastWriteAt(fd uintptr, p []byte, off int64) error { panic("no fast path") }
