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
	"camrec/pkg/recorder"
	"encoding/json"
	"fmt"
	"os"
)

// Recording contains identifier and path relative to the
// recordings directory. ".json" can be appended to the
// path to get the metadata file.
type Recording struct {
	ID   string             `json:"id"`
	Path string             `json:"path"`
	Data *recorder.Metadata `json:"data,omitempty"`
}

// ReadMetadata reads the metadata file of a recording.
func ReadMetadata(path string) (*recorder.Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta recorder.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}
