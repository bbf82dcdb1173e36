/*
 * Copyright (c) 2021 Gilles Chehade <gilles@poolp.org>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// Package s3 stores segments in an S3 bucket. The location is
// s3://[key:secret@]endpoint/bucket[/prefix]; credentials may also come from
// BEAK_S3_ACCESS_KEY / BEAK_S3_SECRET_KEY.
package s3

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/storage"
)

type s3Backend struct{}

func init() {
	storage.Register(storage.S3, &s3Backend{})
}

type target struct {
	client *minio.Client
	bucket string
	prefix string
}

func connect(loc *storage.Location) (*target, error) {
	parsed, err := url.Parse(loc.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: s3 location %q: %v", beakerr.ErrParse, loc.Raw, err)
	}

	accessKey := os.Getenv("BEAK_S3_ACCESS_KEY")
	secretKey := os.Getenv("BEAK_S3_SECRET_KEY")
	if parsed.User != nil {
		accessKey = parsed.User.Username()
		if pw, ok := parsed.User.Password(); ok {
			secretKey = pw
		}
	}

	client, err := minio.New(parsed.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: parsed.Query().Get("insecure") == "",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", beakerr.ErrIO, parsed.Host, err)
	}

	parts := strings.SplitN(strings.TrimPrefix(parsed.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: s3 location %q has no bucket", beakerr.ErrParse, loc.Raw)
	}
	t := &target{client: client, bucket: parts[0]}
	if len(parts) == 2 && parts[1] != "" {
		t.prefix = strings.TrimSuffix(parts[1], "/") + "/"
	}
	return t, nil
}

func (be *s3Backend) List(loc *storage.Location) (*storage.Listing, error) {
	t, err := connect(loc)
	if err != nil {
		return nil, err
	}

	listing := storage.NewListing()
	objects := t.client.ListObjects(context.Background(), t.bucket, minio.ListObjectsOptions{
		Prefix:    t.prefix,
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return nil, fmt.Errorf("%w: listing s3://%s: %v", beakerr.ErrIO, t.bucket, object.Err)
		}
		listing.Classify(strings.TrimPrefix(object.Key, t.prefix), object.Size)
	}
	return listing, nil
}

func (be *s3Backend) Push(localDir string, loc *storage.Location, files []string, progress func(string)) error {
	t, err := connect(loc)
	if err != nil {
		return err
	}
	if files == nil {
		files, err = allFilesUnder(localDir)
		if err != nil {
			return err
		}
	}
	for _, rel := range files {
		src := filepath.Join(localDir, filepath.FromSlash(rel))
		_, err := t.client.FPutObject(context.Background(), t.bucket, t.prefix+rel, src,
			minio.PutObjectOptions{})
		if err != nil {
			return fmt.Errorf("%w: putting %s: %v", beakerr.ErrIO, rel, err)
		}
		if progress != nil {
			progress(rel)
		}
	}
	return nil
}

func (be *s3Backend) Fetch(loc *storage.Location, files []string, localDir string) error {
	t, err := connect(loc)
	if err != nil {
		return err
	}
	for _, rel := range files {
		dst := filepath.Join(localDir, filepath.FromSlash(rel))
		err := t.client.FGetObject(context.Background(), t.bucket, t.prefix+rel, dst,
			minio.GetObjectOptions{})
		if err != nil {
			return fmt.Errorf("%w: getting %s: %v", beakerr.ErrIO, rel, err)
		}
	}
	return nil
}

func (be *s3Backend) Remove(loc *storage.Location, files []string) error {
	t, err := connect(loc)
	if err != nil {
		return err
	}
	for _, rel := range files {
		err := t.client.RemoveObject(context.Background(), t.bucket, t.prefix+rel,
			minio.RemoveObjectOptions{})
		if err != nil {
			return fmt.Errorf("%w: removing %s: %v", beakerr.ErrIO, rel, err)
		}
	}
	return nil
}

func allFilesUnder(dir string) ([]string, error) {
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("%w: walking %s: %v", beakerr.ErrIO, path, err)
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}
