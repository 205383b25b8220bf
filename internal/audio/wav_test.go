package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeDecodeWAVRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := EncodeWAV(pcm, DefaultFormat())
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(wav) != HeaderSize+len(pcm) {
		t.Fatalf("len(wav) = %d, want %d", len(wav), HeaderSize+len(pcm))
	}

	gotPCM, gotFormat, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if gotFormat != DefaultFormat() {
		t.Fatalf("format = %+v, want %+v", gotFormat, DefaultFormat())
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestEncodeWAVRejectsInvalidFormat(t *testing.T) {
	_, err := EncodeWAV([]byte{0, 0}, Format{SampleRate: 16000, Channels: 1, BitsPerSample: 12})
	if err == nil {
		t.Fatalf("expected error for 12-bit format")
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("not a wav file at all")); err == nil {
		t.Fatalf("expected error for non-wav input")
	}
}

func TestFormatDuration(t *testing.T) {
	f := DefaultFormat()
	if got := f.Duration(32000); got != time.Second {
		t.Fatalf("Duration(32000) = %v, want 1s", got)
	}
	if got := f.BlockAlign(); got != 2 {
		t.Fatalf("BlockAlign() = %d, want 2", got)
	}
}

func TestWAVFileSinkConcatenatesChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rec_test.wav")
	format := Format{SampleRate: 22050, Channels: 2, BitsPerSample: 16}

	sink, err := CreateWAVFile(path, format)
	if err != nil {
		t.Fatalf("CreateWAVFile() error = %v", err)
	}
	chunks := [][]byte{
		bytes.Repeat([]byte{0x01}, 3200),
		bytes.Repeat([]byte{0x02}, 1600),
		{0x03, 0x04, 0x05, 0x06},
	}
	var want []byte
	for _, c := range chunks {
		if err := sink.Append(c); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		want = append(want, c...)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(raw) != HeaderSize+len(want) {
		t.Fatalf("file size = %d, want %d", len(raw), HeaderSize+len(want))
	}
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != uint32(36+len(want)) {
		t.Fatalf("riff size = %d, want %d", got, 36+len(want))
	}

	pcm, gotFormat, err := DecodeWAV(raw)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if gotFormat != format {
		t.Fatalf("format = %+v, want %+v", gotFormat, format)
	}
	if !bytes.Equal(pcm, want) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(pcm), len(want))
	}

	info, err := ReadWAVInfo(path)
	if err != nil {
		t.Fatalf("ReadWAVInfo() error = %v", err)
	}
	if info.DataSize != int64(len(want)) {
		t.Fatalf("DataSize = %d, want %d", info.DataSize, len(want))
	}
}

func TestWAVFileSinkEmptyRecordingIsPlayable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	sink, err := CreateWAVFile(path, DefaultFormat())
	if err != nil {
		t.Fatalf("CreateWAVFile() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	info, err := ReadWAVInfo(path)
	if err != nil {
		t.Fatalf("ReadWAVInfo() error = %v", err)
	}
	if info.DataSize != 0 {
		t.Fatalf("DataSize = %d, want 0", info.DataSize)
	}
}

func TestWAVFileSinkAbortRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aborted.wav")
	sink, err := CreateWAVFile(path, DefaultFormat())
	if err != nil {
		t.Fatalf("CreateWAVFile() error = %v", err)
	}
	if err := sink.Append([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := sink.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Stat() error = %v, want not-exist", err)
	}
	if err := sink.Append([]byte{1, 2}); !errors.Is(err, ErrIO) {
		t.Fatalf("Append() after Abort error = %v, want ErrIO", err)
	}
	if err := sink.Close(); !errors.Is(err, ErrIO) {
		t.Fatalf("Close() after Abort error = %v, want ErrIO", err)
	}
}

func TestCreateWAVFileFailsForUnwritableDestination(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	_, err := CreateWAVFile(filepath.Join(blocker, "rec.wav"), DefaultFormat())
	if !errors.Is(err, ErrIO) {
		t.Fatalf("CreateWAVFile() error = %v, want ErrIO", err)
	}
}
