package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pacekit/interval-coach/internal/coach"
	"github.com/pacekit/interval-coach/internal/token"
	"github.com/pacekit/interval-coach/internal/workout"
	"github.com/pacekit/interval-coach/internal/zones"
)

// Config is the file/env/flag configuration of the binary.
type Config struct {
	Log struct {
		File       string `mapstructure:"file"`
		Level      string `mapstructure:"level"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"log"`
	Device struct {
		ID          string `mapstructure:"id"`
		Sim         bool   `mapstructure:"sim"`
		SimStartBPM int    `mapstructure:"sim_start_bpm"`
	} `mapstructure:"device"`
	Zones struct {
		RestingHR  int  `mapstructure:"resting_hr"`
		MaxHR      int  `mapstructure:"max_hr"`
		Auto       bool `mapstructure:"auto"`
		Zone1Lower int  `mapstructure:"zone1_lower"`
		Zone1Upper int  `mapstructure:"zone1_upper"`
		Zone2Upper int  `mapstructure:"zone2_upper"`
		Zone3Upper int  `mapstructure:"zone3_upper"`
		Zone4Upper int  `mapstructure:"zone4_upper"`
		Zone5Upper int  `mapstructure:"zone5_upper"`
	} `mapstructure:"zones"`
	Plan struct {
		Intervals   int `mapstructure:"intervals"`
		HighSeconds int `mapstructure:"high_seconds"`
		RestSeconds int `mapstructure:"rest_seconds"`
	} `mapstructure:"plan"`
	Announce struct {
		CooldownSeconds int `mapstructure:"cooldown_seconds"`
	} `mapstructure:"announce"`
	Music struct {
		Enabled      bool   `mapstructure:"enabled"`
		ChannelURL   string `mapstructure:"channel_url"`
		APIURL       string `mapstructure:"api_url"`
		HighPlaylist string `mapstructure:"high_playlist"`
		RestPlaylist string `mapstructure:"rest_playlist"`
	} `mapstructure:"music"`
	Token struct {
		Endpoints             []string `mapstructure:"endpoints"`
		RefreshCutoffMinutes  int      `mapstructure:"refresh_cutoff_minutes"`
		RefreshProbeSeconds   int      `mapstructure:"refresh_probe_seconds"`
		AttemptTimeoutSeconds int      `mapstructure:"attempt_timeout_seconds"`
	} `mapstructure:"token"`
}

func loadConfig() (*Config, error) {
	pflag.String("config", "", "path to a yaml config file")
	pflag.String("device-id", "", "device id for the credential backend")
	pflag.Bool("sim", false, "use a simulated heart-rate source")
	pflag.String("log-file", "", "log file path")
	pflag.Parse()

	v := viper.New()
	v.SetDefault("log.file", "interval-coach.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("device.sim", false)
	v.SetDefault("device.sim_start_bpm", 72)
	v.SetDefault("zones.resting_hr", 60)
	v.SetDefault("zones.max_hr", 190)
	v.SetDefault("zones.auto", true)
	v.SetDefault("plan.intervals", 5)
	v.SetDefault("plan.high_seconds", 240)
	v.SetDefault("plan.rest_seconds", 180)
	v.SetDefault("announce.cooldown_seconds", 5)
	v.SetDefault("music.enabled", false)
	v.SetDefault("token.refresh_cutoff_minutes", 45)
	v.SetDefault("token.refresh_probe_seconds", 60)
	v.SetDefault("token.attempt_timeout_seconds", 3)

	v.SetEnvPrefix("COACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindPFlag("device.id", pflag.Lookup("device-id"))
	_ = v.BindPFlag("device.sim", pflag.Lookup("sim"))
	_ = v.BindPFlag("log.file", pflag.Lookup("log-file"))

	if path, _ := pflag.CommandLine.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) zoneSettings() zones.Settings {
	return zones.Settings{
		RestingHR:    c.Zones.RestingHR,
		MaxHR:        c.Zones.MaxHR,
		UseAutoZones: c.Zones.Auto,
		Manual: zones.Boundaries{
			Zone1Lower: c.Zones.Zone1Lower,
			Zone1Upper: c.Zones.Zone1Upper,
			Zone2Upper: c.Zones.Zone2Upper,
			Zone3Upper: c.Zones.Zone3Upper,
			Zone4Upper: c.Zones.Zone4Upper,
			Zone5Upper: c.Zones.Zone5Upper,
		},
	}
}

func (c *Config) plan() workout.Plan {
	return workout.Plan{
		TotalIntervals: c.Plan.Intervals,
		HighDuration:   time.Duration(c.Plan.HighSeconds) * time.Second,
		RestDuration:   time.Duration(c.Plan.RestSeconds) * time.Second,
	}
}

func (c *Config) coachConfig() coach.Config {
	return coach.Config{
		Zones:            c.zoneSettings(),
		AnnounceCooldown: time.Duration(c.Announce.CooldownSeconds) * time.Second,
		RefreshCutoff:    time.Duration(c.Token.RefreshCutoffMinutes) * time.Minute,
		RefreshProbe:     time.Duration(c.Token.RefreshProbeSeconds) * time.Second,
	}
}

func (c *Config) tokenConfig() token.Config {
	return token.Config{
		DeviceID:       c.Device.ID,
		Endpoints:      c.Token.Endpoints,
		AttemptTimeout: time.Duration(c.Token.AttemptTimeoutSeconds) * time.Second,
	}
}
