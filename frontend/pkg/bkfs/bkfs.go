// Package bkfs exposes buildkit references as an [fs.FS].
package bkfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/moby/buildkit/client/llb"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/tonistiigi/fsutil"
	"github.com/tonistiigi/fsutil/types"
)

var (
	_ fs.DirEntry  = (*refDirEntry)(nil)
	_ fs.ReadDirFS = (*RefFS)(nil)
	_ io.ReaderAt  = (*refFile)(nil)
)

// RefFS is a read-only filesystem backed by a solved reference.
// Files are read lazily through the gateway.
type RefFS struct {
	ctx context.Context
	ref gwclient.Reference
}

func FromRef(ctx context.Context, ref gwclient.Reference) *RefFS {
	return &RefFS{
		ctx: ctx,
		ref: ref,
	}
}

// FromState solves the state and returns a filesystem for the result.
func FromState(ctx context.Context, state llb.State, client gwclient.Client, opts ...llb.ConstraintsOpt) (*RefFS, error) {
	def, err := state.Marshal(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := client.Solve(ctx, gwclient.SolveRequest{
		Definition: def.ToPB(),
	})
	if err != nil {
		return nil, err
	}

	ref, err := res.SingleRef()
	if err != nil {
		return nil, err
	}

	return FromRef(ctx, ref), nil
}

type refDirEntry struct {
	stat *types.Stat
}

func (s *refDirEntry) Name() string {
	return path.Base(s.stat.Path)
}

func (s *refDirEntry) IsDir() bool {
	return fs.FileMode(s.stat.Mode).IsDir()
}

func (s *refDirEntry) Type() fs.FileMode {
	return fs.FileMode(s.stat.Mode).Type()
}

func (s *refDirEntry) Info() (fs.FileInfo, error) {
	return &fsutil.StatInfo{Stat: s.stat}, nil
}

func (st *RefFS) ReadDir(name string) ([]fs.DirEntry, error) {
	contents, err := st.ref.ReadDir(st.ctx, gwclient.ReadDirRequest{
		Path: name,
	})
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}

	entries := make([]fs.DirEntry, 0, len(contents))
	for _, stat := range contents {
		entries = append(entries, &refDirEntry{stat: stat})
	}
	return entries, nil
}

type refFile struct {
	path   string // the full path of the file from root
	ref    gwclient.Reference
	ctx    context.Context
	info   *fsutil.StatInfo
	offset int64
}

// close is a no-op
func (s *refFile) Close() error {
	return nil
}

func (s *refFile) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &fs.PathError{Op: "read", Path: s.path, Err: fs.ErrInvalid}
	}

	if off >= s.info.Size() {
		return 0, io.EOF
	}

	dt, err := s.ref.ReadFile(s.ctx, gwclient.ReadRequest{
		Filename: s.path,
		Range:    &gwclient.FileRange{Offset: int(off), Length: len(b)},
	})
	if err != nil {
		return 0, err
	}

	n := copy(b, dt)

	// ReaderAt must return an error when fewer than len(b) bytes are read
	if n < len(b) {
		err = io.EOF
	}
	return n, err
}

// invariant: s.offset is the offset of the next byte to be read
func (s *refFile) Read(b []byte) (int, error) {
	n, err := s.ReadAt(b, s.offset)
	s.offset += int64(n)
	return n, err
}

func (s *refFile) Stat() (fs.FileInfo, error) {
	return s.info, nil
}

func (st *RefFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Err: fs.ErrInvalid, Path: name, Op: "open"}
	}

	stat, err := st.ref.StatFile(st.ctx, gwclient.StatRequest{
		Path: name,
	})
	if err != nil {
		if strings.Contains(err.Error(), "no such file or directory") {
			err = fmt.Errorf("%w: %w", fs.ErrNotExist, err)
		}
		return nil, &fs.PathError{Err: err, Op: "open", Path: name}
	}

	return &refFile{
		path: name,
		ref:  st.ref,
		info: &fsutil.StatInfo{Stat: stat},
		ctx:  st.ctx,
	}, nil
}
