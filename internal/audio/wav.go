package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	// HeaderSize is the size of the canonical RIFF/WAVE header written by this package.
	HeaderSize = 44

	pcmAudioFormat = 1
	maxDataSize    = 1<<32 - 1 - (HeaderSize - 8)
)

// Format describes interleaved little-endian PCM audio.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultFormat is 16 kHz mono 16-bit PCM.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > 384000 {
		return fmt.Errorf("sample rate must be in [1,384000], got %d", f.SampleRate)
	}
	if f.Channels <= 0 || f.Channels > 32 {
		return fmt.Errorf("channels must be in [1,32], got %d", f.Channels)
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("bits per sample must be 8, 16, 24 or 32, got %d", f.BitsPerSample)
	}
	return nil
}

// BlockAlign is the size in bytes of one frame (one sample for every channel).
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int64) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newWAVHeader(f Format, dataSize uint32) wavHeader {
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(HeaderSize-8) + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   pcmAudioFormat,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

func writeHeader(out io.Writer, f Format, dataSize uint32) error {
	return binary.Write(out, binary.LittleEndian, newWAVHeader(f, dataSize))
}

// EncodeWAV wraps raw PCM bytes in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, pcm, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVTo writes raw PCM bytes to out as a complete WAV stream.
func WriteWAVTo(out io.Writer, pcm []byte, f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if uint64(len(pcm)) > maxDataSize {
		return fmt.Errorf("pcm payload of %d bytes exceeds wav size limit", len(pcm))
	}
	w := bufio.NewWriter(out)
	if err := writeHeader(w, f, uint32(len(pcm))); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// Info summarizes a parsed WAV file.
type Info struct {
	Format   Format
	DataSize int64
	Duration time.Duration
}

// DecodeWAV walks the RIFF chunks of data and returns the PCM payload and its format.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 {
		return nil, Format{}, errors.New("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, errors.New("unsupported wav header")
	}

	var (
		haveFmt  bool
		haveData bool
		format   Format
		pcm      []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, Format{}, errors.New("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, Format{}, errors.New("invalid wav fmt chunk")
			}
			if audioFormat := binary.LittleEndian.Uint16(chunk[0:2]); audioFormat != pcmAudioFormat {
				return nil, Format{}, fmt.Errorf("unsupported wav audio format %d", audioFormat)
			}
			format = Format{
				Channels:      int(binary.LittleEndian.Uint16(chunk[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(chunk[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(chunk[14:16])),
			}
			haveFmt = true
		case "data":
			pcm = chunk
			haveData = true
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, Format{}, errors.New("wav fmt chunk missing")
	}
	if !haveData {
		return nil, Format{}, errors.New("wav data chunk missing")
	}
	if err := format.Validate(); err != nil {
		return nil, Format{}, fmt.Errorf("invalid wav format: %w", err)
	}
	return pcm, format, nil
}

// ReadWAVFile loads a WAV file and returns its PCM payload and format.
func ReadWAVFile(path string) ([]byte, Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Format{}, err
	}
	return DecodeWAV(data)
}

// ReadWAVInfo returns the format and payload size of a WAV file.
func ReadWAVInfo(path string) (Info, error) {
	pcm, format, err := ReadWAVFile(path)
	if err != nil {
		return Info{}, err
	}
	n := int64(len(pcm))
	return Info{Format: format, DataSize: n, Duration: format.Duration(n)}, nil
}
