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

package web

import (
	"camrec/pkg/log"
	"camrec/pkg/recorder"
	"camrec/pkg/storage"
	"camrec/pkg/system"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

// Recorder control surface used by the handlers.
type Recorder interface {
	SetupProfile(ctx context.Context, outputPath string, recordAudio bool, profile recorder.Profile) error
	Start(ctx context.Context) error
	Stop() error
	Release() error
	Status() recorder.Status
	PushRawVideoFrame(b []byte, width int, height int) bool
	PushRawAudioFrame(b []byte, length int) bool
}

// SetupRequest recorder setup request. Zero profile fields use the defaults.
type SetupRequest struct {
	OutputPath  string           `json:"outputPath"`
	RecordAudio bool             `json:"recordAudio"`
	Profile     recorder.Profile `json:"profile"`
}

// SetupResponse .
type SetupResponse struct {
	OutputPath string `json:"outputPath"`
}

// RecordingPathFunc returns the output path of a new recording.
type RecordingPathFunc func(t time.Time, id string) string

// Max size of a pushed frame.
const maxFrameSize = 32 * 1024 * 1024

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", jsonContentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func recorderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recorder.ErrNotSetup),
		errors.Is(err, recorder.ErrAlreadyRecording):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, recorder.ErrReleased):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, recorder.ErrInvalidProfile),
		errors.Is(err, recorder.ErrEmptyPath):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// RecorderSetup prepares a recording session.
func RecorderSetup(
	rec Recorder,
	recordingPath RecordingPathFunc,
	defaults recorder.Profile,
	logger *log.Logger,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		req := SetupRequest{Profile: defaults}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "decode request: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Profile = req.Profile.WithDefaults()

		if req.OutputPath == "" {
			req.OutputPath = recordingPath(time.Now(), uuid.NewString()[:8])
		} else if containsDotDot(req.OutputPath) {
			http.Error(w, "invalid output path", http.StatusBadRequest)
			return
		}

		if err := rec.SetupProfile(r.Context(), req.OutputPath, req.RecordAudio, req.Profile); err != nil {
			logger.Error().Src("app").Msgf("recorder setup: %v", err)
			recorderError(w, err)
			return
		}
		writeJSON(w, SetupResponse{OutputPath: req.OutputPath})
	})
}

// RecorderStart starts the recording.
func RecorderStart(rec Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		if err := rec.Start(r.Context()); err != nil {
			recorderError(w, err)
			return
		}
	})
}

// RecorderStop stops the recording and waits for the file to be finalized.
func RecorderStop(rec Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		if err := rec.Stop(); err != nil {
			recorderError(w, err)
			return
		}
	})
}

// RecorderRelease releases the recorder, it cannot be used afterwards.
func RecorderRelease(rec Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		if err := rec.Release(); err != nil {
			recorderError(w, err)
			return
		}
	})
}

// RecorderStatus returns the recorder status.
func RecorderStatus(rec Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, rec.Status())
	})
}

func readFrame(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
		return nil, false
	}
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if len(b) == 0 {
		http.Error(w, "empty frame", http.StatusBadRequest)
		return nil, false
	}
	return b, true
}

// VideoFrame pushes a raw NV21 frame from the request body.
func VideoFrame(rec Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		width, err := strconv.Atoi(query.Get("width"))
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert width to int: %v", err), http.StatusBadRequest)
			return
		}
		height, err := strconv.Atoi(query.Get("height"))
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert height to int: %v", err), http.StatusBadRequest)
			return
		}

		b, ok := readFrame(w, r)
		if !ok {
			return
		}
		if !rec.PushRawVideoFrame(b, width, height) {
			http.Error(w, "frame refused", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// AudioFrame pushes raw PCM from the request body.
func AudioFrame(rec Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := readFrame(w, r)
		if !ok {
			return
		}
		if !rec.PushRawAudioFrame(b, len(b)) {
			http.Error(w, "frame refused", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func containsDotDot(v string) bool {
	if !strings.Contains(v, "..") {
		return false
	}
	for _, ent := range strings.FieldsFunc(v, isSlashRune) {
		if ent == ".." {
			return true
		}
	}
	return false
}

func isSlashRune(r rune) bool { return r == '/' || r == '\\' }

// RecordingQuery handles recording query.
func RecordingQuery(crawler *storage.Crawler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()
		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}

		limitInt, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		queryTime := query.Get("time")
		if len(queryTime) < 10 {
			http.Error(w, "time value to short", http.StatusBadRequest)
			return
		}

		q := &storage.CrawlerQuery{
			Time:    queryTime,
			Limit:   limitInt,
			Reverse: query.Get("reverse") == "true",
			Data:    query.Get("data") == "true",
		}

		recordings, err := crawler.RecordingByQuery(q)
		if err != nil {
			logger.Error().Src("app").Msgf("crawler: could not process recording query: %v", err)
			http.Error(w, "could not process recording query", http.StatusInternalServerError)
			return
		}
		writeJSON(w, recordings)
	})
}

func parseLogQuery(query map[string][]string) (log.Query, error) {
	get := func(key string) string {
		if v := query[key]; len(v) != 0 {
			return v[0]
		}
		return ""
	}
	split := func(csv string) []string {
		if csv == "" {
			return nil
		}
		return strings.Split(csv, ",")
	}

	var levels []log.Level
	for _, levelStr := range split(get("levels")) {
		levelInt, err := strconv.Atoi(levelStr)
		if err != nil {
			return log.Query{}, fmt.Errorf("invalid levels list: %v %w", get("levels"), err)
		}
		levels = append(levels, log.Level(levelInt))
	}

	return log.Query{
		Levels:   levels,
		Sources:  split(get("sources")),
		Sessions: split(get("sessions")),
	}, nil
}

// LogFeed opens a websocket with system logs.
func LogFeed(ctx context.Context, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		q, err := parseLogQuery(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		feed, cancel := logger.Subscribe()
		defer cancel()

		// Detect closed connections.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			var entry log.Log
			select {
			case entry = <-feed:
			case <-closed:
				return
			case <-ctx.Done():
				return
			}

			if !q.Match(entry) {
				continue
			}
			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}

		limitInt, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		q, err := parseLogQuery(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q.Limit = limitInt

		if t := query.Get("time"); t != "" {
			timeInt, err := strconv.ParseUint(t, 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err), http.StatusBadRequest)
				return
			}
			q.Time = log.UnixMicro(timeInt)
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logs)
	})
}

// SystemStatus returns cpu, ram and disk usage.
func SystemStatus(sys *system.System) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, sys.Status())
	})
}
