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

// Package web serves the recorder HTTP API.
package web

import (
	"camrec/pkg/log"
	"camrec/pkg/recorder"
	"camrec/pkg/storage"
	"camrec/pkg/system"
	"camrec/pkg/web/auth"
	"context"
	"net/http"
)

// MuxConfig handler dependencies.
type MuxConfig struct {
	Recorder      Recorder
	RecordingPath RecordingPathFunc
	Profile       recorder.Profile
	Crawler       *storage.Crawler
	System        *system.System
	LogDB         *log.DB
	Logger        *log.Logger
	Auth          *auth.Authenticator
}

// NewMux registers the API routes. All routes require authentication.
func NewMux(ctx context.Context, c MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	a := c.Auth

	mux.Handle("/api/recorder/setup", a.User(RecorderSetup(c.Recorder, c.RecordingPath, c.Profile, c.Logger)))
	mux.Handle("/api/recorder/start", a.User(RecorderStart(c.Recorder)))
	mux.Handle("/api/recorder/stop", a.User(RecorderStop(c.Recorder)))
	mux.Handle("/api/recorder/release", a.User(RecorderRelease(c.Recorder)))
	mux.Handle("/api/recorder/status", a.User(RecorderStatus(c.Recorder)))
	mux.Handle("/api/recorder/frame/video", a.User(VideoFrame(c.Recorder)))
	mux.Handle("/api/recorder/frame/audio", a.User(AudioFrame(c.Recorder)))

	mux.Handle("/api/recording/query", a.User(RecordingQuery(c.Crawler, c.Logger)))

	mux.Handle("/api/log/feed", a.User(LogFeed(ctx, c.Logger)))
	mux.Handle("/api/log/query", a.User(LogQuery(c.LogDB)))

	mux.Handle("/api/system/status", a.User(SystemStatus(c.System)))

	return mux
}
