package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wbcache/wbcache"
	"github.com/wbcache/wbcache/backend"
	"github.com/wbcache/wbcache/internal/logging"
	"github.com/wbcache/wbcache/ublkhost"
)

func main() {
	var (
		backingSizeStr = flag.String("size", "256M", "Size of the backing device (e.g., 256M, 4G)")
		cacheSizeStr   = flag.String("cache-size", "64M", "Size of the cache device")
		verbose        = flag.Bool("v", false, "Verbose output")
		writeAround    = flag.Bool("write-around", false, "Bypass the cache for all writes (write_around_mode)")
		wbThreshold    = flag.Int("writeback-threshold", 70, "writeback_threshold (0-100)")
	)
	flag.Parse()

	backingSize, err := parseSize(*backingSizeStr)
	if err != nil {
		log.Fatalf("invalid -size %q: %v", *backingSizeStr, err)
	}
	cacheSize, err := parseSize(*cacheSizeStr)
	if err != nil {
		log.Fatalf("invalid -cache-size %q: %v", *cacheSizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	backingMem := backend.NewMemory(backingSize)
	cacheMem := backend.NewMemory(cacheSize)
	defer backingMem.Close()
	defer cacheMem.Close()

	cfg := wbcache.DefaultConfig()
	cfg.WriteAroundMode = *writeAround
	cfg.WritebackThreshold = *wbThreshold
	// Fit the segment ring and hash table to the cache device we were
	// actually given instead of the defaults sized for a much larger disk.
	maxSegments := int(cacheSize / int64(cfg.SegmentSizeSectors*wbcache.SectorSize))
	if maxSegments < 2 {
		log.Fatalf("-cache-size %q too small for segment size", *cacheSizeStr)
	}
	cfg.NRSegments = maxSegments
	cfg.HTSize = 1 << 12

	device, err := wbcache.Open(cfg, backingMem, cacheMem)
	if err != nil {
		log.Fatalf("failed to open cache device: %v", err)
	}

	params := ublkhost.DefaultParams(device)
	params.QueueDepth = 32
	params.NumQueues = 1
	params.MaxIOSize = ublkhost.IOBufferSizePerTag
	params.EnableFUA = true
	params.EnableIoctlEncode = true

	options := &ublkhost.Options{}

	logger.Info("opened log-structured block cache",
		"backing_size", formatSize(backingSize),
		"cache_size", formatSize(cacheSize),
		"nr_segments", cfg.NRSegments,
		"write_around_mode", cfg.WriteAroundMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ublkDevice, err := ublkhost.CreateAndServe(ctx, params, options)
	if err != nil {
		logger.Error("failed to create ublk device", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("stopping device")
		if err := ublkhost.StopAndDelete(ctx, ublkDevice); err != nil {
			logger.Error("error stopping device", "error", err)
		} else {
			logger.Info("device stopped successfully")
		}
	}()

	fmt.Printf("Device created: %s\n", ublkDevice.Path)
	fmt.Printf("Character device: %s\n", ublkDevice.CharPath)
	fmt.Printf("Backing size: %s, cache size: %s\n", formatSize(backingSize), formatSize(cacheSize))
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks and cache stats\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			stats := device.Stats()
			logger.Info("cache stats",
				"reads", stats.Reads, "writes", stats.Writes,
				"cache_hits", stats.CacheHits, "cache_misses", stats.CacheMisses,
				"nr_dirty_caches", stats.NRDirtyCaches,
				"last_flushed_id", stats.LastFlushedID,
				"last_writeback_id", stats.LastWritebackID)

			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			filename := fmt.Sprintf("wbcache-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	cleanupDone := make(chan bool)
	go func() {
		if err := ublkhost.StopAndDelete(context.Background(), ublkDevice); err != nil {
			logger.Error("error stopping device", "error", err)
		}
		if err := device.Close(); err != nil {
			logger.Error("error closing cache device", "error", err)
		}
		cleanupDone <- true
	}()

	select {
	case <-cleanupDone:
	case <-time.After(2 * time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}

	os.Exit(0)
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
