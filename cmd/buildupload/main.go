// Command buildupload sends a game build package to a presigned URL, optionally
// throttled to a fixed bandwidth.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rillcap/internal/infrastructure/upload"
	"rillcap/pkg/logger"
	"rillcap/pkg/ratelimit"

	"github.com/dustin/go-humanize"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("buildupload", flag.ContinueOnError)
	url := fs.String("url", "", "Presigned PUT URL")
	file := fs.String("file", "", "Path to the build package (.zip)")
	rateStr := fs.String("rate", "", "Throughput cap in bytes per second, e.g. 2MB or 500KiB (empty = unlimited)")
	timeout := fs.Duration("timeout", 0, "Overall upload timeout (0 = none)")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *url == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "both --url and --file are required")
		fs.Usage()
		return 2
	}

	bitsPerSecond, err := parseRate(*rateStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --rate: %v\n", err)
		return 2
	}

	zapLogger := logger.New(*logLevel)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	limiter := ratelimit.New(bitsPerSecond)
	if bitsPerSecond != nil {
		log.Infow("upload throttled", "rate", humanize.Bytes(uint64(limiter.BytesPerSecond()))+"/s")
	}

	uploader := upload.NewHTTPUploader(0, limiter, log)
	if err := uploader.UploadBuildPackage(ctx, *url, *file); err != nil {
		log.Errorw("build package upload failed", "file", *file, "error", err)
		return 1
	}
	return 0
}

// parseRate turns a human byte rate into bits per second. Empty means unlimited.
func parseRate(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return nil, err
	}
	if bytes == 0 {
		return nil, fmt.Errorf("rate must be positive")
	}
	bits := int64(bytes) * 8
	return &bits, nil
}
