//go:build !linux

package worker

func residentBytes() (uint64, bool) { return 0, false }
