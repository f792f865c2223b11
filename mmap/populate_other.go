//go:build unix && !linux

package mmap

// Prefault is a no-op outside Linux.
const mapPopulate = 0
