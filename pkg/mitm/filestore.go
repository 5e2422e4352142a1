// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package mitm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/x-stp/rdp-mitm-go/internal/config"
	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/metrics"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// ErrFileTooLarge is returned when a write would take an extracted file past
// the store's size limit.
var ErrFileTooLarge = errors.New("extracted file exceeds size limit")

// FileStore saves files read from redirected drives. Content is stored once
// under files/<sha256>; filesystems/<deviceId>/<remote path> is a symlink to
// it, mirroring the client's drive.
type FileStore struct {
	filesDir       string
	filesystemsDir string
	maxSize        uint64

	log     *slog.Logger
	metrics *metrics.Metrics
	record  func(recording.Event)
}

// NewFileStore creates a store writing under the two directories. record
// receives a file-extracted event per saved file and may be nil.
func NewFileStore(filesDir, filesystemsDir string, log *slog.Logger, m *metrics.Metrics, record func(recording.Event)) *FileStore {
	if record == nil {
		record = func(recording.Event) {}
	}
	return &FileStore{
		filesDir:       filesDir,
		filesystemsDir: filesystemsDir,
		maxSize:        config.DefaultMaxFileSize,
		log:            log,
		metrics:        m,
		record:         record,
	}
}

// SetMaxFileSize bounds the size of every file spooled from now on. Zero
// removes the limit.
func (s *FileStore) SetMaxFileSize(n uint64) { s.maxSize = n }

// FileMapping spools the bytes of one remote file as they are read.
type FileMapping struct {
	store    *FileStore
	DeviceID uint32
	Path     string

	file   *os.File
	size   uint64
	mirror bool
}

// Open starts spooling the remote file path of device deviceID.
func (s *FileStore) Open(deviceID uint32, path string) (*FileMapping, error) {
	m, err := s.open(deviceID, path)
	if err != nil {
		return nil, err
	}
	m.mirror = true
	return m, nil
}

// OpenClipboard starts spooling a file copied through the clipboard. It has
// no place in a drive mirror.
func (s *FileStore) OpenClipboard(name string) (*FileMapping, error) {
	return s.open(0, name)
}

func (s *FileStore) open(deviceID uint32, path string) (*FileMapping, error) {
	if err := os.MkdirAll(s.filesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create files directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.filesDir, ".spool-"+uuid.NewString()), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return &FileMapping{store: s, DeviceID: deviceID, Path: path, file: f}, nil
}

// Write stores data at offset. Reads may arrive in any order.
func (m *FileMapping) Write(offset uint64, data []byte) error {
	if m.file == nil {
		return os.ErrClosed
	}
	end := offset + uint64(len(data))
	if limit := m.store.maxSize; limit > 0 && (end > limit || end < offset) {
		return fmt.Errorf("%w: %s up to offset %d, limit %d", ErrFileTooLarge, m.Path, end, limit)
	}
	if _, err := m.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("failed to spool %s: %w", m.Path, err)
	}
	m.size = max(m.size, end)
	return nil
}

// Size returns the end of the furthest range written.
func (m *FileMapping) Size() uint64 { return m.size }

// Finalize hashes the spooled content and moves it into the files tree,
// dropping it when identical content is already there.
func (m *FileMapping) Finalize() (*recording.FileInfo, error) {
	if m.file == nil {
		return nil, os.ErrClosed
	}
	f := m.file
	m.file = nil
	spool := f.Name()

	h := sha256.New()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(spool)
		return nil, err
	}
	if _, err := io.Copy(h, f); err != nil {
		f.Close()
		os.Remove(spool)
		return nil, fmt.Errorf("failed to hash %s: %w", m.Path, err)
	}
	f.Close()

	info := &recording.FileInfo{
		DeviceID: m.DeviceID,
		Path:     m.Path,
		Size:     int64(m.size),
		Hash:     hex.EncodeToString(h.Sum(nil)),
	}
	dest := filepath.Join(m.store.filesDir, info.Hash)
	if _, err := os.Stat(dest); err == nil {
		info.Duplicate = true
		os.Remove(spool)
	} else if err := os.Rename(spool, dest); err != nil {
		os.Remove(spool)
		return nil, fmt.Errorf("failed to store %s: %w", m.Path, err)
	}

	s := m.store
	if m.mirror {
		if err := s.link(m.DeviceID, m.Path, dest); err != nil {
			s.log.Warn("Failed to mirror extracted file", logger.Path(m.Path), logger.Err(err))
		}
	}
	s.metrics.FileExtracted(info.Size, info.Duplicate)
	s.log.Info("File extracted",
		logger.DeviceID(m.DeviceID), logger.Path(m.Path), logger.Size(m.size), logger.Hash(info.Hash),
		slog.Bool("duplicate", info.Duplicate))
	if ev, err := recording.NewJSONEvent(recording.EventFileExtracted, info); err == nil {
		s.record(ev)
	}
	return info, nil
}

// Abandon discards the spooled bytes.
func (m *FileMapping) Abandon() {
	if m.file == nil {
		return
	}
	name := m.file.Name()
	m.file.Close()
	os.Remove(name)
	m.file = nil
}

// MirrorPath returns where remote path of device deviceID is mirrored.
func (s *FileStore) MirrorPath(deviceID uint32, remote string) string {
	parts := []string{s.filesystemsDir, strconv.FormatUint(uint64(deviceID), 10)}
	for _, p := range strings.Split(remote, `\`) {
		if p == "" || p == "." || p == ".." {
			continue
		}
		parts = append(parts, sanitizeFilename(p))
	}
	return filepath.Join(parts...)
}

// MkdirMirror creates the mirror of a remote directory.
func (s *FileStore) MkdirMirror(deviceID uint32, remote string) error {
	return os.MkdirAll(s.MirrorPath(deviceID, remote), 0755)
}

func (s *FileStore) link(deviceID uint32, remote, target string) error {
	path := s.MirrorPath(deviceID, remote)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	rel, err := filepath.Rel(filepath.Dir(path), target)
	if err != nil {
		rel = target
	}
	os.Remove(path)
	return os.Symlink(rel, path)
}

// sanitizeFilename makes one remote path component safe as a local name.
func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer(
		":", "_",
		"/", "_",
		"\\", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		"\x00", "_",
	)
	return replacer.Replace(s)
}
