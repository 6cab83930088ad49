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

// Package recorder serializes recording control and frame
// encoding on a single goroutine.
package recorder

import (
	"camrec/pkg/clock"
	"camrec/pkg/codec"
	"camrec/pkg/container"
	"camrec/pkg/encoder"
	"camrec/pkg/log"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMailboxSize command buffer size.
const DefaultMailboxSize = 256

// Errors.
var (
	ErrNotSetup         = errors.New("recorder not set up")
	ErrAlreadyRecording = errors.New("already recording")
	ErrReleased         = errors.New("recorder released")
)

// Config recorder dependencies.
type Config struct {
	Logger *log.Logger
	Format container.Format

	NewWriter     container.NewFunc
	NewVideoCodec codec.NewFunc
	NewAudioCodec codec.NewFunc

	// Optional, audio frames can also be pushed directly.
	NewAudioSource NewAudioSourceFunc

	MailboxSize int

	// Optional raw clock for the presentation timestamps.
	Now clock.NowFunc
}

type commandKind uint8

const (
	cmdSetup commandKind = iota
	cmdStart
	cmdStop
	cmdEncodeFrame
	cmdEncodeAudio
	cmdVideoEncoder
	cmdRelease
)

type setupArgs struct {
	outputPath  string
	recordAudio bool
	profile     Profile
}

type result struct {
	err   error
	video *encoder.VideoEncoder
}

type command struct {
	kind   commandKind
	setup  setupArgs
	data   []byte
	width  int
	height int
	length int
	res    chan result
}

// Status recorder status.
type Status struct {
	Recording  bool          `json:"recording"`
	Session    string        `json:"session,omitempty"`
	OutputPath string        `json:"outputPath,omitempty"`
	Format     string        `json:"format,omitempty"`
	StartTime  time.Time     `json:"startTime"`
	Muxer      string        `json:"muxer,omitempty"`
	Queued     uint64        `json:"queued"`
	Refused    uint64        `json:"refused"`
	Video      encoder.Stats `json:"video"`
	Audio      encoder.Stats `json:"audio"`
}

// Recorder owns the recording session. Control methods are safe
// for concurrent use and frames are pushed without blocking.
type Recorder struct {
	config  Config
	logger  *log.Logger
	mailbox chan command

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	recording atomic.Bool
	released  atomic.Bool
	queued    atomic.Uint64
	refused   atomic.Uint64

	// Status snapshot, written by the sequencer.
	statusMu sync.Mutex
	current  *session

	// Only accessed by the sequencer.
	session *session
}

// New starts the sequencer goroutine. It stops when ctx is canceled or on Release.
func New(ctx context.Context, config Config) *Recorder {
	if config.MailboxSize <= 0 {
		config.MailboxSize = DefaultMailboxSize
	}
	if config.Format == "" {
		config.Format = container.FormatMP4
	}
	if config.NewWriter == nil {
		config.NewWriter = container.New
	}

	ctx2, cancel := context.WithCancel(ctx)
	r := &Recorder{
		config:  config,
		logger:  config.Logger,
		mailbox: make(chan command, config.MailboxSize),
		ctx:     ctx2,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return
		case cmd := <-r.mailbox:
			if cmd.kind == cmdRelease {
				r.shutdown()
				cmd.res <- result{}
				return
			}
			r.handle(cmd)
		}
	}
}

func (r *Recorder) handle(cmd command) {
	var res result
	switch cmd.kind {
	case cmdSetup:
		res.err = r.handleSetup(cmd.setup)
	case cmdStart:
		res.err = r.handleStart()
	case cmdStop:
		res.err = r.handleStop()
	case cmdEncodeFrame:
		r.handleEncodeFrame(cmd.data, cmd.width, cmd.height)
	case cmdEncodeAudio:
		r.handleEncodeAudio(cmd.data, cmd.length)
	case cmdVideoEncoder:
		if r.session != nil {
			res.video = r.session.video
		}
	}
	if cmd.res != nil {
		cmd.res <- res
	}
}

// shutdown finishes any session.
func (r *Recorder) shutdown() {
	r.recording.Store(false)
	if r.session == nil {
		return
	}
	if r.session.started {
		if err := r.handleStop(); err != nil {
			r.logger.Error().Src("recorder").Session(r.session.id).Msgf("stop: %v", err)
		}
		return
	}
	r.discardSession()
}

func (r *Recorder) setCurrent(s *session) {
	r.statusMu.Lock()
	r.current = s
	r.statusMu.Unlock()
}

// call enqueues cmd and waits for its result.
func (r *Recorder) call(ctx context.Context, cmd command) (result, error) {
	if r.released.Load() {
		return result{}, ErrReleased
	}
	cmd.res = make(chan result, 1)
	select {
	case r.mailbox <- cmd:
	case <-r.done:
		return result{}, ErrReleased
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	select {
	case res := <-cmd.res:
		return res, res.err
	case <-r.done:
		select {
		case res := <-cmd.res:
			return res, res.err
		default:
			return result{}, ErrReleased
		}
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Setup prepares a session with the default profile and the given parameters.
func (r *Recorder) Setup(
	ctx context.Context,
	outputPath string,
	recordAudio bool,
	videoWidth int,
	videoHeight int,
	frameRate int,
	bitRate int,
	sampleRate int,
	audioBitRate int,
) error {
	p := DefaultProfile()
	p.VideoWidth = videoWidth
	p.VideoHeight = videoHeight
	p.FrameRate = frameRate
	p.BitRate = bitRate
	p.SampleRate = sampleRate
	p.AudioBitRate = audioBitRate
	return r.SetupProfile(ctx, outputPath, recordAudio, p)
}

// SetupProfile prepares a session. Construction errors are returned and leave no session.
func (r *Recorder) SetupProfile(
	ctx context.Context,
	outputPath string,
	recordAudio bool,
	profile Profile,
) error {
	_, err := r.call(ctx, command{
		kind: cmdSetup,
		setup: setupArgs{
			outputPath:  outputPath,
			recordAudio: recordAudio,
			profile:     profile,
		},
	})
	return err
}

// Start starts the encoders.
func (r *Recorder) Start(ctx context.Context) error {
	_, err := r.call(ctx, command{kind: cmdStart})
	return err
}

// Stop clears the recording flag, then stops the session after
// every frame queued before it. Calling Stop when not recording is a no-op.
func (r *Recorder) Stop() error {
	if r.released.Load() {
		return ErrReleased
	}
	if !r.recording.Swap(false) {
		return nil
	}
	_, err := r.call(context.Background(), command{kind: cmdStop})
	return err
}

// IsRecording reports if the recorder accepts frames.
func (r *Recorder) IsRecording() bool {
	return r.recording.Load()
}

// Release stops any recording and the sequencer goroutine.
func (r *Recorder) Release() error {
	if r.released.Load() {
		return ErrReleased
	}
	stopErr := r.Stop()

	if !r.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	res := make(chan result, 1)
	select {
	case r.mailbox <- command{kind: cmdRelease, res: res}:
		<-r.done
	case <-r.done:
	}
	r.cancel()
	return stopErr
}

// Done is closed when the sequencer has exited.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// VideoEncoder returns the video encoder of the current session, or nil.
func (r *Recorder) VideoEncoder(ctx context.Context) (*encoder.VideoEncoder, error) {
	res, err := r.call(ctx, command{kind: cmdVideoEncoder})
	if err != nil {
		return nil, err
	}
	return res.video, nil
}

// PushRawVideoFrame enqueues a NV21 frame. The recorder takes
// ownership of b. Returns false if the frame was refused.
func (r *Recorder) PushRawVideoFrame(b []byte, width, height int) bool {
	return r.push(command{
		kind:   cmdEncodeFrame,
		data:   b,
		width:  width,
		height: height,
	})
}

// PushRawAudioFrame enqueues length bytes of PCM from b. The
// recorder takes ownership of b. Returns false if the frame was refused.
func (r *Recorder) PushRawAudioFrame(b []byte, length int) bool {
	return r.push(command{
		kind:   cmdEncodeAudio,
		data:   b,
		length: length,
	})
}

func (r *Recorder) push(cmd command) bool {
	if !r.recording.Load() {
		r.refused.Add(1)
		return false
	}
	select {
	case r.mailbox <- cmd:
		r.queued.Add(1)
		return true
	default:
		r.refused.Add(1)
		return false
	}
}

// Status returns the current status.
func (r *Recorder) Status() Status {
	status := Status{
		Recording: r.recording.Load(),
		Queued:    r.queued.Load(),
		Refused:   r.refused.Load(),
	}

	r.statusMu.Lock()
	s := r.current
	r.statusMu.Unlock()
	if s == nil {
		return status
	}

	status.Session = s.id
	status.OutputPath = s.path
	status.Format = string(s.format)
	status.StartTime = s.startTime()
	status.Muxer = s.muxer.String()
	status.Video = s.video.Stats()
	if s.audio != nil {
		status.Audio = s.audio.Stats()
	}
	return status
}

func (r *Recorder) handleSetup(args setupArgs) error {
	if r.session != nil {
		if r.session.started {
			return ErrAlreadyRecording
		}
		r.discardSession()
	}

	s, err := newSession(r.config, args, r.logger)
	if err != nil {
		r.logger.Error().Src("recorder").Msgf("setup: %v", err)
		return err
	}
	r.session = s
	r.setCurrent(s)

	r.logger.Info().Src("recorder").Session(s.id).
		Msgf("setup: %v audio=%v %v", s.path, s.recordAudio, s.profile)
	return nil
}

// discardSession releases a session that was never started.
func (r *Recorder) discardSession() {
	s := r.session
	r.session = nil
	r.setCurrent(nil)
	if err := s.video.Stop(); err != nil {
		r.logger.Error().Src("recorder").Session(s.id).Msgf("discard session: %v", err)
	}
	r.logger.Info().Src("recorder").Session(s.id).Msg("session discarded")
}

func (r *Recorder) handleStart() error {
	s := r.session
	if s == nil {
		return ErrNotSetup
	}
	if s.started {
		return ErrAlreadyRecording
	}

	if err := s.start(r.ctx); err != nil {
		r.logger.Error().Src("recorder").Session(s.id).Msgf("start: %v", err)
		s.audioStop()
		r.discardSession()
		return err
	}
	r.recording.Store(true)

	if s.recordAudio && r.config.NewAudioSource != nil {
		source, err := r.config.NewAudioSource(s.profile)
		if err != nil {
			r.logger.Error().Src("recorder").Session(s.id).Msgf("open audio source: %v", err)
		} else {
			s.pump = newPump(source, r.PushRawAudioFrame, r.logger, s.id)
			s.pump.start()
		}
	}

	r.logger.Info().Src("recorder").Session(s.id).Msg("recording started")
	return nil
}

func (r *Recorder) handleStop() error {
	s := r.session
	if s == nil || !s.started {
		return nil
	}
	r.recording.Store(false)

	err := s.stop()
	r.session = nil
	r.setCurrent(nil)

	// The writer removes output that never started.
	if s.muxer.Written() == 0 {
		r.logger.Warn().Src("recorder").Session(s.id).Msg("no samples written, metadata skipped")
	} else if metaErr := s.writeMetadata(); metaErr != nil {
		r.logger.Error().Src("recorder").Session(s.id).Msgf("write metadata: %v", metaErr)
		err = errors.Join(err, metaErr)
	}

	if err != nil {
		r.logger.Error().Src("recorder").Session(s.id).Msgf("stop: %v", err)
		return fmt.Errorf("stop: %w", err)
	}
	r.logger.Info().Src("recorder").Session(s.id).
		Msgf("recording saved: %v %+v", s.path, s.video.Stats())
	return nil
}

func (r *Recorder) handleEncodeFrame(b []byte, width, height int) {
	s := r.session
	if s == nil || !s.started || s.stopping {
		return
	}
	if width != s.profile.VideoWidth || height != s.profile.VideoHeight {
		r.logger.Warn().Src("recorder").Session(s.id).Msgf(
			"frame size %dx%d does not match %dx%d, dropped",
			width, height, s.profile.VideoWidth, s.profile.VideoHeight)
		return
	}
	if len(b) == 0 {
		return
	}
	if err := s.video.Encode(b, len(b), s.clock.Next()); err != nil {
		r.logger.Error().Src("recorder").Session(s.id).Msgf("encode frame: %v", err)
	}
}

func (r *Recorder) handleEncodeAudio(b []byte, length int) {
	s := r.session
	if s == nil || !s.started || s.stopping || s.audio == nil {
		return
	}
	if length <= 0 || len(b) == 0 {
		return
	}
	if err := s.audio.Encode(b, length, s.clock.Next()); err != nil {
		r.logger.Error().Src("recorder").Session(s.id).Msgf("encode audio: %v", err)
	}
}
