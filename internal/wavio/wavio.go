// Package wavio holds small WAV helpers shared by the transcoder, the
// recognition client and their tests.
package wavio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteFile encodes 16-bit little-endian PCM into a WAV file at path.
func WriteFile(path string, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()

	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Bytes encodes PCM into an in-memory WAV blob via a temp file.
func Bytes(pcm []byte, sampleRate, channels int) ([]byte, error) {
	file, err := os.CreateTemp("", "wavio_*.wav")
	if err != nil {
		return nil, err
	}
	path := file.Name()
	file.Close()
	defer os.Remove(path)
	if err := WriteFile(path, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// ExtractPCM decodes a WAV blob into raw 16-bit little-endian PCM and
// reports the sample rate.
func ExtractPCM(data []byte) ([]byte, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, 0, errors.New("wav has no pcm data")
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, buf.Format.SampleRate, nil
}
