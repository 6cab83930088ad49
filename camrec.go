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

// Package camrec wires the recorder, storage and web packages into an application.
package camrec

import (
	"camrec/pkg/codec"
	"camrec/pkg/ffmpeg"
	"camrec/pkg/log"
	"camrec/pkg/recorder"
	"camrec/pkg/storage"
	"camrec/pkg/system"
	"camrec/pkg/watchdog"
	"camrec/pkg/web"
	"camrec/pkg/web/auth"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
)

const ffmpegLogLevel = "error"

type runCmd struct {
	Env string `help:"path to env.yaml" required:"" type:"path"`
}

type hashPasswordCmd struct {
	Password string `arg:"" help:"plain text password"`
}

var cli struct {
	Run          runCmd          `cmd:"" help:"Start the recorder server."`
	HashPassword hashPasswordCmd `cmd:"" help:"Print the bcrypt hash of a password for env.yaml."`
}

// Run parses the command line and runs the selected command.
func Run(args []string) error {
	parser, err := kong.New(&cli,
		kong.Name("camrec"),
		kong.Description("Audio and video recorder."),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	switch kctx.Command() {
	case "hash-password <password>":
		return hashPassword(os.Stdout, cli.HashPassword.Password)
	default:
		return run(cli.Run.Env)
	}
}

func hashPassword(w io.Writer, plain string) error {
	hash, err := auth.HashPassword(plain)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

func run(envFlag string) error {
	envPath, err := filepath.Abs(envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	app, err := newApp(ctx, envPath, wg)
	if err != nil {
		return err
	}

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.Logger.Error().Src("app").Msgf("fatal error: %v", err)
	case signal := <-stop:
		app.Logger.Info().Msg("") // New line.
		app.Logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	if rerr := app.Recorder.Release(); rerr != nil && !errors.Is(rerr, recorder.ErrReleased) {
		app.Logger.Error().Src("app").Msgf("release recorder: %v", rerr)
	} else {
		app.Logger.Info().Src("app").Msg("Recorder released.")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	serr := app.server.Shutdown(ctx2)

	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return serr
}

// App is the main application struct.
type App struct {
	WG       *sync.WaitGroup
	Logger   *log.Logger
	logDB    *log.DB
	Env      storage.ConfigEnv
	Recorder *recorder.Recorder
	Storage  *storage.Manager
	System   *system.System
	Watchdog *watchdog.Watchdog
	Mux      *http.ServeMux
	server   *http.Server
}

func newApp(ctx context.Context, envPath string, wg *sync.WaitGroup) (*App, error) {
	// Environment config.
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	// Logs.
	logger := log.NewLogger(wg)
	logger.Start(ctx)
	logDB := log.NewDB(env.LogDBPath, wg)

	// Authentication.
	a, err := auth.NewBasic(env.Users, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create authenticator: %w", err)
	}

	// Storage.
	storageManager := storage.NewManager(env, logger)
	crawler := storage.NewCrawler(storageManager.RecordingsDir())

	sys := system.New(storageManager.DiskUsage, logger)

	// Recorder.
	ffmpegConfig := codec.FFmpegConfig{
		FFmpeg:   ffmpeg.New(env.FFmpegBin),
		Logger:   logger,
		LogLevel: ffmpegLogLevel,
	}
	recConfig := recorder.Config{
		Logger:        logger,
		Format:        env.Format,
		NewVideoCodec: codec.VideoFactory(ffmpegConfig),
		NewAudioCodec: codec.AudioFactory(ffmpegConfig),
	}
	if env.AudioPipe != "" {
		recConfig.NewAudioSource = recorder.PipeSource(env.AudioPipe)
	}
	rec := recorder.New(ctx, recConfig)

	mux := web.NewMux(ctx, web.MuxConfig{
		Recorder:      rec,
		RecordingPath: storageManager.RecordingPath,
		Profile:       env.Profile,
		Crawler:       crawler,
		System:        sys,
		LogDB:         logDB,
		Logger:        logger,
		Auth:          a,
	})

	return &App{
		WG:       wg,
		Logger:   logger,
		logDB:    logDB,
		Env:      *env,
		Recorder: rec,
		Storage:  storageManager,
		System:   sys,
		Watchdog: watchdog.New(rec.Status, watchdog.DefaultInterval, logger),
		Mux:      mux,
		server: &http.Server{
			Addr:              ":" + strconv.Itoa(env.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (app *App) run(ctx context.Context) error {
	go app.Logger.LogToStdout(ctx)

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
		time.Sleep(10 * time.Millisecond)
	}

	app.Logger.Info().Src("app").Msg("Starting..")

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}
	if app.Env.AudioPipe != "" {
		if err := ffmpeg.MakePipe(app.Env.AudioPipe); err != nil {
			return fmt.Errorf("could not create audio pipe: %w", err)
		}
	}

	go app.Storage.PurgeLoop(ctx, 10*time.Minute)
	go app.System.StatusLoop(ctx)
	go app.Watchdog.Start(ctx)

	app.Logger.Info().Src("app").Msgf("Serving app on port %v", app.Env.Port)
	return app.server.ListenAndServe()
}
