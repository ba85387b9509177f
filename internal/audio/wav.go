package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const wavHeaderSize = 44

// WriteWAV writes pcm as a self-contained RIFF/WAVE file in the given format.
func WriteWAV(w io.Writer, f Format, pcm []byte) error {
	if err := f.Validate(); err != nil {
		return err
	}

	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(f.SampleWidth*8))

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// WriteWAVFile creates (or truncates) path and writes pcm to it as WAV.
func WriteWAVFile(path string, f Format, pcm []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	bw := bufio.NewWriter(file)
	if err := WriteWAV(bw, f, pcm); err != nil {
		file.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush wav: %w", err)
	}
	return file.Close()
}
