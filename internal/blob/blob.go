// Package blob publishes finished registration folders to a filesystem root
// or an S3-compatible bucket.
package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"seqreg/internal/config"
)

// Driver identifies a publisher backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// Publisher stores objects under slash separated keys. Put replaces an
// existing object.
type Publisher interface {
	Driver() Driver
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Open selects a Publisher from the publish section of the configuration.
func Open(ctx context.Context, cfg config.Publish) (Publisher, error) {
	switch Driver(cfg.Driver) {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.Root)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown publish driver %s", cfg.Driver)
	}
}

// Report summarizes one Publish call.
type Report struct {
	Files int
	Bytes int64
	Keys  []string
}

// Publish uploads every regular file below dir, keyed as
// prefix/<base of dir>/<relative path>. Leftover temporary files of
// interrupted writes are skipped.
func Publish(ctx context.Context, p Publisher, dir, prefix string) (Report, error) {
	var rep Report
	info, err := os.Stat(dir)
	if err != nil {
		return rep, err
	}
	if !info.IsDir() {
		return rep, fmt.Errorf("%s is not a directory", dir)
	}
	base := filepath.Base(filepath.Clean(dir))

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return rep, err
	}
	sort.Strings(files)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			return rep, err
		}
		key := path.Join(strings.Trim(prefix, "/"), base, filepath.ToSlash(rel))
		n, err := putFile(ctx, p, key, f)
		if err != nil {
			return rep, fmt.Errorf("publish %s: %w", f, err)
		}
		rep.Files++
		rep.Bytes += n
		rep.Keys = append(rep.Keys, key)
	}
	return rep, nil
}

func putFile(ctx context.Context, p Publisher, key, file string) (int64, error) {
	fh, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		return 0, err
	}
	if err := p.Put(ctx, key, fh, st.Size()); err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// sanitizeKey keeps keys relative and inside the publisher root.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key")
	}
	clean := path.Clean(filepath.ToSlash(key))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key traversal")
	}
	return clean, nil
}
