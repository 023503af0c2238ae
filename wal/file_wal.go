package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileWAL is a file-backed write-ahead log. Records are length-prefixed
// and CRC-checked; a torn record at the tail of the file (crash during
// append) ends the read without failing it
type FileWAL struct {
	mu sync.Mutex

	path   string
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// NewFileWAL opens (or creates) the log file at given path
func NewFileWAL(path string) (*FileWAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("unable to open wal: %w", err)
	}

	return &FileWAL{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (w *FileWAL) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	return writeRecord(w.writer, entry.Marshal())
}

func (w *FileWAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("unable to flush wal: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("unable to sync wal: %w", err)
	}

	return nil
}

func (w *FileWAL) ReadAll(height uint64) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	if err := w.writer.Flush(); err != nil {
		return nil, fmt.Errorf("unable to flush wal: %w", err)
	}

	entries, err := w.readAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Height == height {
			filtered = append(filtered, entry)
		}
	}

	return filtered, nil
}

func (w *FileWAL) readAll() ([]Entry, error) {
	file, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("unable to open wal for read: %w", err)
	}
	defer file.Close()

	var (
		entries []Entry
		reader  = bufio.NewReader(file)
	)

	for {
		payload, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrCorruptRecord) {
				// torn tail: everything before it is intact
				return entries, nil
			}

			return nil, err
		}

		entry, err := UnmarshalEntry(payload)
		if err != nil {
			return entries, nil
		}

		entries = append(entries, entry)
	}
}

func (w *FileWAL) Truncate(height uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("unable to flush wal: %w", err)
	}

	entries, err := w.readAll()
	if err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create wal tmp: %w", err)
	}

	writer := bufio.NewWriter(tmp)
	for _, entry := range entries {
		if entry.Height < height {
			continue
		}

		if err := writeRecord(writer, entry.Marshal()); err != nil {
			_ = tmp.Close()

			return err
		}
	}

	if err := writer.Flush(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("unable to flush wal tmp: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("unable to sync wal tmp: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to close wal tmp: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("unable to close wal: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("unable to swap wal: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("unable to reopen wal: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)

	return nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("unable to flush wal: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("unable to sync wal: %w", err)
	}

	return w.file.Close()
}

func writeRecord(writer io.Writer, payload []byte) error {
	var header [8]byte

	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, castagnoli))

	if _, err := writer.Write(header[:]); err != nil {
		return fmt.Errorf("unable to write wal record: %w", err)
	}

	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("unable to write wal record: %w", err)
	}

	return nil
}

func readRecord(reader io.Reader) ([]byte, error) {
	var header [8]byte

	if _, err := io.ReadFull(reader, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}

		return nil, err
	}

	var (
		length   = binary.LittleEndian.Uint32(header[0:4])
		checksum = binary.LittleEndian.Uint32(header[4:8])
	)

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}

		return nil, err
	}

	if crc32.Checksum(payload, castagnoli) != checksum {
		return nil, ErrCorruptRecord
	}

	return payload, nil
}
