package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrIO marks failures to create, write or finalize a recording.
var ErrIO = errors.New("recording io")

var errSinkClosed = errors.New("sink already closed")

// Sink is a sequential PCM writer that produces an independently playable container on Close.
//
// A Sink is owned by a single goroutine. Close and Abort may each be called more than once;
// only the first call has an effect.
type Sink interface {
	Append(pcm []byte) error
	// Close finalizes the container. On failure the destination is removed.
	Close() error
	// Abort discards the destination without finalizing it.
	Abort() error
	Path() string
	Format() Format
}

// WAVFileSink streams PCM into a WAV file and patches the header sizes on Close.
type WAVFileSink struct {
	f         *os.File
	w         *bufio.Writer
	path      string
	format    Format
	dataBytes int64
	done      bool
	doneErr   error
}

// CreateWAVFile creates path (and its parent directories) and writes a provisional header.
func CreateWAVFile(path string, format Format) (*WAVFileSink, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create recording dir: %w", ErrIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIO, path, err)
	}
	w := bufio.NewWriterSize(f, 64<<10)
	if err := writeHeader(w, format, 0); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: write header: %w", ErrIO, err)
	}
	return &WAVFileSink{f: f, w: w, path: path, format: format}, nil
}

func (s *WAVFileSink) Path() string { return s.path }

func (s *WAVFileSink) Format() Format { return s.format }

// DataBytes is the number of PCM bytes appended so far.
func (s *WAVFileSink) DataBytes() int64 { return s.dataBytes }

func (s *WAVFileSink) Append(pcm []byte) error {
	if s.done {
		return fmt.Errorf("%w: append: %w", ErrIO, errSinkClosed)
	}
	if len(pcm) == 0 {
		return nil
	}
	if uint64(s.dataBytes)+uint64(len(pcm)) > maxDataSize {
		return fmt.Errorf("%w: append: recording exceeds wav size limit", ErrIO)
	}
	n, err := s.w.Write(pcm)
	s.dataBytes += int64(n)
	if err != nil {
		return fmt.Errorf("%w: append: %w", ErrIO, err)
	}
	return nil
}

func (s *WAVFileSink) Close() error {
	if s.done {
		return s.doneErr
	}
	s.done = true
	if err := s.finalize(); err != nil {
		_ = s.f.Close()
		_ = os.Remove(s.path)
		s.doneErr = fmt.Errorf("%w: finalize %s: %w", ErrIO, s.path, err)
		return s.doneErr
	}
	return nil
}

func (s *WAVFileSink) finalize() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(HeaderSize-8)+uint32(s.dataBytes))
	if _, err := s.f.WriteAt(size[:], 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(size[:], uint32(s.dataBytes))
	if _, err := s.f.WriteAt(size[:], HeaderSize-4); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	return s.f.Close()
}

func (s *WAVFileSink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	s.doneErr = fmt.Errorf("%w: recording aborted", ErrIO)
	_ = s.f.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, s.path, err)
	}
	return nil
}
