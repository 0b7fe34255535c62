// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

const (
	jobFile      = "job.gob"
	resultSuffix = ".chunk"
)

// FileStore stores fleet jobs and their results using grailfiles;
// thus work directories may be at any URL supported by grailfile
// (e.g., S3). A job's files are stored under "{Prefix}/{key}/": the
// job description in "job.gob", and the result of each unit in
// "w{ordinal}-u{unit}.chunk", so that results written by different
// workers never collide.
type fileStore struct {
	// Prefix is the grailfile prefix under which jobs are stored.
	Prefix string
}

func (s *fileStore) jobPath(key string) string {
	return file.Join(s.Prefix, key, jobFile)
}

func (s *fileStore) resultPath(key string, ordinal, unit int) string {
	return file.Join(s.Prefix, key, resultName(ordinal, unit))
}

func resultName(ordinal, unit int) string {
	return fmt.Sprintf("w%d-u%d%s", ordinal, unit, resultSuffix)
}

// put gob-encodes v into the file at path.
func put(ctx context.Context, path string, v interface{}) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f.Writer(ctx)).Encode(v); err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("encode %s", path), err)
	}
	return closeFile(ctx, f)
}

// get decodes the gob-encoded file at path into v. If the file does
// not exist, get returns an error of kind errors.NotExist.
func get(ctx context.Context, path string, v interface{}) error {
	f, err := file.Open(ctx, path)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(errors.NotExist, err) {
			return errors.E(errors.NotExist, fmt.Sprintf("open %s", path), err)
		}
		return err
	}
	defer f.Close(ctx) // nolint: errcheck
	if err := gob.NewDecoder(f.Reader(ctx)).Decode(v); err != nil {
		return errors.E(errors.Integrity, fmt.Sprintf("decode %s", path), err)
	}
	return nil
}

// clean removes the files of the job with the provided key.
func (s *fileStore) clean(ctx context.Context, key string) error {
	dir := file.Join(s.Prefix, key)
	lister := file.List(ctx, dir, true)
	var paths []string
	for lister.Scan() {
		if strings.HasSuffix(lister.Path(), resultSuffix) || strings.HasSuffix(lister.Path(), jobFile) {
			paths = append(paths, lister.Path())
		}
	}
	if err := lister.Err(); err != nil {
		return err
	}
	for _, path := range paths {
		if err := file.Remove(ctx, path); err != nil {
			return err
		}
	}
	if scheme, _, err := file.ParsePath(dir); err == nil && scheme == "" {
		// Local directories are not removed along with their files.
		os.Remove(dir) // nolint: errcheck
	}
	return nil
}

type closeNoSyncer interface {
	CloseNoSync(context.Context) error
}

// CloseFile closes the provided file. It avoids syncing if the implementation
// supports it.
func closeFile(ctx context.Context, f file.File) error {
	if closer, ok := f.(closeNoSyncer); ok {
		return closer.CloseNoSync(ctx)
	}
	return f.Close(ctx)
}

// CleanWorkDir removes the files of all fleet jobs stored under dir,
// for example those left behind by orchestrators that did not exit
// cleanly. Other files are left in place. CleanWorkDir returns the
// number of files removed. It must not be called while fleet engines
// are applying in dir.
func CleanWorkDir(ctx context.Context, dir string) (int, error) {
	var (
		lister = file.List(ctx, dir, true)
		paths  []string
	)
	for lister.Scan() {
		if strings.HasSuffix(lister.Path(), resultSuffix) || strings.HasSuffix(lister.Path(), "/"+jobFile) {
			paths = append(paths, lister.Path())
		}
	}
	if err := lister.Err(); err != nil {
		if errors.Is(errors.NotExist, err) || os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for i, path := range paths {
		if err := file.Remove(ctx, path); err != nil {
			return i, err
		}
	}
	return len(paths), nil
}
