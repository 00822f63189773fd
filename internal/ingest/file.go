package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// FileSource replays a JSONL file, one event per line. Blank lines are
// ignored.
type FileSource struct {
	path string
	r    io.Reader
}

func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

// NewReaderSource reads events from r instead of a file; "-" on the CLI maps
// to stdin through it.
func NewReaderSource(r io.Reader) *FileSource { return &FileSource{r: r} }

func (f *FileSource) Run(ctx context.Context, h Handler) error {
	r := f.r
	if r == nil {
		file, err := os.Open(f.path)
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer file.Close()
		r = file
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := h.Deliver(ctx, b); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}
