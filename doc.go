// Package wbcache implements a log-structured block cache that sits
// between a slow backing block device and a fast cache block device,
// presenting a single virtual block device whose reads and writes are
// transparently accelerated.
//
// Writes are appended into a circular sequence of fixed-size segments
// on the cache device rather than updated in place. A hash index maps
// backing-device addresses to cached copies; dirty copies are drained
// to the backing device by a writeback daemon. The host block-device
// framework (package ublkhost, adapted from go-ublk) drives this
// package's Device through the plain Backend interface it already
// defines for any storage implementation.
package wbcache
