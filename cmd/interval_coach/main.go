package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pacekit/interval-coach/internal/announce"
	"github.com/pacekit/interval-coach/internal/async"
	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/coach"
	"github.com/pacekit/interval-coach/internal/music"
	"github.com/pacekit/interval-coach/internal/token"
	"github.com/pacekit/interval-coach/internal/workout"
	"github.com/pacekit/interval-coach/internal/zones"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting with error", zap.Error(err))
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// newLogger writes structured logs to a rotating file. The terminal belongs
// to the dashboard, so nothing is logged to stderr while it runs.
func newLogger(cfg *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core), nil
}

func run(cfg *Config, logger *zap.Logger) error {
	clk := clock.NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ctrl *music.Controller
	var musicSystem coach.MusicSystem
	var creds coach.CredentialMaintainer
	var musicControl workout.MusicControl = noopMusic{}

	if cfg.Music.Enabled {
		cache, err := token.NewCache(clk, nil, cfg.tokenConfig(), logger)
		if err != nil {
			return err
		}
		factory := func(onPush music.PushHandler, onDown music.DownHandler) music.ControlChannel {
			return music.NewWSChannel(cfg.Music.ChannelURL, clk, onPush, onDown, logger)
		}
		api := music.NewAPIClient(cfg.Music.APIURL, nil, clk, logger)
		ctrl = music.NewController(clk, factory, api, cache, music.Playlists{
			HighIntensityURI: cfg.Music.HighPlaylist,
			RestURI:          cfg.Music.RestPlaylist,
		}, logger)
		musicSystem = ctrl
		musicControl = ctrl
		creds = cache

		async.Go(logger, func() {
			if err := ctrl.Connect(ctx); err != nil {
				logger.Warn("initial music connect failed, recovery will retry", zap.Error(err))
			}
		})
	}

	orch := workout.NewOrchestrator(clk, musicControl, logger)

	// Announcements land in the log and the UI event feed; a speech engine
	// would slot in here as another Sink.
	sink := announce.SinkFunc(func(z zones.Zone) {
		logger.Info("announcing zone", zap.Int("zone", int(z)))
	})

	c, err := coach.New(clk, cfg.coachConfig(), orch, sink, musicSystem, creds, logger)
	if err != nil {
		return err
	}

	src := newSource(cfg, clk, logger)
	async.Go(logger, func() {
		if err := c.Run(ctx, src); err != nil && ctx.Err() == nil {
			logger.Error("coach loop failed", zap.Error(err))
		}
	})

	logger.Info("interval coach started",
		zap.Bool("sim", cfg.Device.Sim), zap.Bool("music", cfg.Music.Enabled))

	dash := newDashboard(c, ctrl, cfg.plan(), logger)
	err = dash.run(ctx)

	cancel()
	c.StopSession()
	if ctrl != nil {
		ctrl.Logout()
	}
	return err
}

// newSource picks the heart-rate input. A sensor transport would be
// constructed here; this build ships the simulated source only.
func newSource(cfg *Config, clk clock.Clock, logger *zap.Logger) coach.HeartRateSource {
	if !cfg.Device.Sim {
		logger.Warn("no sensor transport in this build, falling back to the simulated source")
	}
	return coach.NewSimSource(clk, cfg.Device.SimStartBPM, logger)
}

// noopMusic satisfies the playback surface when music is disabled.
type noopMusic struct{}

func (noopMusic) PlayHighIntensity() {}
func (noopMusic) PlayRest()          {}
func (noopMusic) Pause()             {}
func (noopMusic) Resume()            {}
func (noopMusic) Stop()              {}
