package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// Dir stores files flat inside a single directory.
type Dir struct {
	root string
}

var _ Storage = (*Dir)(nil)

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) path(name string) string {
	return filepath.Join(d.root, filepath.Base(name))
}

func (d *Dir) Append(name, line string) error {
	f, err := os.OpenFile(d.path(name), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("%w: append %s: %v", ErrUnavailable, name, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrUnavailable, name, err)
	}
	return nil
}

func (d *Dir) ReadLines(name string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f, err := os.Open(d.path(name))
		if err != nil {
			yield("", fmt.Errorf("%w: %v", ErrUnavailable, err))
			return
		}
		defer f.Close()

		r := bufio.NewReaderSize(f, MaxLineLength)
		for {
			chunk, err := r.ReadSlice('\n')
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				prefix := trimLine(string(chunk))
				// Drop the rest of the line up to the next newline.
				for errors.Is(err, bufio.ErrBufferFull) {
					_, err = r.ReadSlice('\n')
				}
				if err != nil && !errors.Is(err, io.EOF) {
					yield("", fmt.Errorf("%w: read %s: %v", ErrUnavailable, name, err))
					return
				}
				if !yield(prefix, fmt.Errorf("%w: %s", ErrLineTooLong, name)) || err != nil {
					return
				}
			case errors.Is(err, io.EOF):
				// Last line without terminator, possibly cut short.
				if len(chunk) > 0 {
					yield(trimLine(string(chunk)), nil)
				}
				return
			case err != nil:
				yield("", fmt.Errorf("%w: read %s: %v", ErrUnavailable, name, err))
				return
			default:
				if !yield(trimLine(string(chunk)), nil) {
					return
				}
			}
		}
	}
}

func trimLine(line string) string {
	return strings.TrimRight(strings.TrimSuffix(line, "\n"), "\r")
}

func (d *Dir) Exists(name string) bool {
	_, err := os.Stat(d.path(name))
	return err == nil
}

func (d *Dir) WriteFile(name string, data []byte) error {
	target := d.path(name)
	tmp, err := os.CreateTemp(d.root, filepath.Base(name)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrUnavailable, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrUnavailable, name, err)
	}
	return nil
}
