// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Chunksum is a bigchunk demo program that computes the sizes and
// murmur3 checksums of the files under a prefix. Each file is a
// unit; the prefix may be local or in S3.
package main

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/chunkcmd"
	"github.com/grailbio/bigchunk/exec"
	"github.com/spaolacci/murmur3"
)

// A summary is the payload of a unit.
type summary struct {
	Path string
	Size int64
	Sum  uint64
}

func init() {
	gob.Register(summary{})
}

var checksums = bigchunk.Job(func(paths []string) bigchunk.Source {
	return bigchunk.SourceFunc(len(paths), func(ctx context.Context, unit int) (bigchunk.Payload, error) {
		f, err := file.Open(ctx, paths[unit])
		if err != nil {
			return nil, err
		}
		defer f.Close(ctx) // nolint: errcheck
		h := murmur3.New64()
		n, err := io.Copy(h, f.Reader(ctx))
		if err != nil {
			return nil, err
		}
		return summary{Path: paths[unit], Size: n, Sum: h.Sum64()}, nil
	})
})

func main() {
	var (
		suffix = flag.String("suffix", "", "only process files with this suffix")
		out    = flag.String("out", "", "output path; standard output if empty")
	)
	chunkcmd.Main(func(sess *exec.Session, args []string) error {
		if len(args) != 1 {
			return errors.New("usage: chunksum [flags] prefix")
		}
		ctx := context.Background()
		var paths []string
		lst := file.List(ctx, args[0], true)
		for lst.Scan() {
			if strings.HasSuffix(lst.Path(), *suffix) {
				paths = append(paths, lst.Path())
			}
		}
		if err := lst.Err(); err != nil {
			return err
		}
		sort.Strings(paths)
		log.Printf("summarizing %d files", len(paths))

		var (
			summaries []summary
			total     int64
		)
		err := sess.Apply(ctx, checksums.Invocation(paths).Source(), func(ctx context.Context, unit int, payload bigchunk.Payload, mu *sync.Mutex) error {
			s := payload.(summary)
			mu.Lock()
			summaries = append(summaries, s)
			total += s.Size
			mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].Path < summaries[j].Path })
		w := io.Writer(os.Stdout)
		var f file.File
		if *out != "" {
			f, err = file.Create(ctx, *out)
			if err != nil {
				return err
			}
			w = f.Writer(ctx)
		}
		bw := bufio.NewWriter(w)
		for _, s := range summaries {
			fmt.Fprintf(bw, "%016x\t%d\t%s\n", s.Sum, s.Size, s.Path)
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if f != nil {
			if err := f.Close(ctx); err != nil {
				return err
			}
		}
		log.Printf("summarized %d of %d files, %s", len(summaries), len(paths), data.Size(total))
		return nil
	})
}
