// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Recordings are stored in the following format
//
// <Year>
// └── <Month>
//     └── <Day>
//         ├── YYYY-MM-DD_hh-mm-ss_<session>.mp4   // Video.
//         └── YYYY-MM-DD_hh-mm-ss_<session>.json  // Metadata.
//
// Metadata is only written when the recording was stopped.
// The job of these functions are to on-request
// find and return recording paths.

// Crawler crawls through storage looking for recordings.
type Crawler struct {
	path string
}

// NewCrawler creates new crawler.
func NewCrawler(path string) *Crawler {
	return &Crawler{
		path: path,
	}
}

// CrawlerQuery query of recordings for crawler to find.
type CrawlerQuery struct {
	// Recording ID or YYYY-MM-DD prefix to start from.
	Time  string
	Limit int

	// Newer recordings instead of older.
	Reverse bool

	// Include metadata.
	Data bool
}

// ErrInvalidQuery invalid query.
var ErrInvalidQuery = errors.New("invalid query")

// RecordingByQuery finds the recording closest to the query
// time and returns up to limit recordings after it.
func (c *Crawler) RecordingByQuery(q *CrawlerQuery) ([]Recording, error) {
	if len(q.Time) < 10 {
		return nil, fmt.Errorf("%w: time %q", ErrInvalidQuery, q.Time)
	}

	var recordings []Recording
	var file *dir
	for len(recordings) < q.Limit {
		if file == nil {
			file = c.findRecording(q.Time, q.Reverse)
			if file.name == q.Time {
				file = file.sibling(q.Reverse)
			}
		} else {
			file = file.sibling(q.Reverse)
		}

		if file.isNil() {
			break
		}

		rec, err := c.newRecording(file, q.Data)
		if err != nil {
			return nil, err
		}
		recordings = append(recordings, rec)
	}
	return recordings, nil
}

func (c *Crawler) newRecording(file *dir, data bool) (Recording, error) {
	rel, err := filepath.Rel(c.path, file.path)
	if err != nil {
		return Recording{}, err
	}
	rec := Recording{
		ID:   file.name,
		Path: rel,
	}
	if !data {
		return rec, nil
	}

	meta, err := ReadMetadata(file.path + ".json")
	if err != nil {
		return Recording{}, fmt.Errorf("recording %v: %w", file.name, err)
	}
	rec.Data = meta
	return rec, nil
}

type dir struct {
	name   string
	path   string
	depth  int
	parent *dir
}

func (d *dir) isNil() bool {
	return *d == dir{}
}

func (c *Crawler) findRecording(id string, reverse bool) *dir {
	query := []string{
		id[:4],   // Year.
		id[5:7],  // Month.
		id[8:10], // Day.
	}

	root := &dir{
		path:  c.path,
		depth: 0,
	}

	current := root
	for _, val := range query {
		parent := current
		current = current.childByName(val)
		if current.isNil() {
			adjacent := parent.adjacentChildByName(val, reverse)
			if adjacent.isNil() {
				return parent.sibling(reverse)
			}
			return adjacent.edgeFile(reverse)
		}
	}

	file := current.childByName(id)
	if !file.isNil() {
		return file
	}

	adjacent := current.adjacentChildByName(id, reverse)
	if adjacent.isNil() {
		return current.sibling(reverse)
	}
	return adjacent
}

const dayDepth = 3

// children returns children of current directory sorted by name.
func (d *dir) children() []dir {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return []dir{}
	}

	var children []dir
	for _, entry := range entries {
		if d.depth == dayDepth {
			name := entry.Name()
			if entry.IsDir() || filepath.Ext(name) != ".json" {
				continue
			}
			name = strings.TrimSuffix(name, ".json")
			children = append(children, dir{
				name:   name,
				path:   filepath.Join(d.path, name),
				parent: d,
				depth:  d.depth + 1,
			})
			continue
		}
		if entry.IsDir() {
			children = append(children, dir{
				name:   entry.Name(),
				path:   filepath.Join(d.path, entry.Name()),
				parent: d,
				depth:  d.depth + 1,
			})
		}
	}
	return children
}

// adjacentChildByName returns the closest child before name,
// or after name if reverse is true.
func (d *dir) adjacentChildByName(name string, reverse bool) *dir {
	children := d.children()

	if reverse {
		for _, child := range children {
			if child.name > name {
				return &child
			}
		}
		return &dir{}
	}

	for i := len(children) - 1; i >= 0; i-- { // Reverse range.
		child := children[i]
		if child.name < name {
			return &child
		}
	}
	return &dir{}
}

// childByName returns child of current directory by name.
// returns nil if child doesn't exist.
func (d *dir) childByName(name string) *dir {
	children := d.children()
	for _, child := range children {
		if child.name == name {
			return &child
		}
	}

	return &dir{}
}

// edgeFile returns the newest file in decending directories,
// or the oldest if reverse is true.
func (d *dir) edgeFile(reverse bool) *dir {
	file := d
	for file.depth < dayDepth+1 {
		children := file.children()
		if len(children) == 0 {
			if file.depth == 0 {
				return &dir{}
			}
			return file.sibling(reverse)
		}
		if reverse {
			file = &children[0]
		} else {
			file = &children[len(children)-1]
		}
	}
	return file
}

// sibling returns the previous file alphabetically,
// or the next file if reverse is true.
func (d *dir) sibling(reverse bool) *dir {
	if d.depth == 0 {
		return &dir{}
	}

	siblings := d.parent.children()

	for i, sibling := range siblings {
		if sibling != *d {
			continue
		}
		if reverse && i < len(siblings)-1 {
			return siblings[i+1].edgeFile(reverse)
		}
		if !reverse && i > 0 {
			return siblings[i-1].edgeFile(reverse)
		}
		break
	}
	return d.parent.sibling(reverse)
}
