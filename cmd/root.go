/*
 * stalker-proxy relays the live channels of a Stalker portal to IPTV players.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasduport/stalker-proxy/pkg/config"
	"github.com/lucasduport/stalker-proxy/pkg/database"
	"github.com/lucasduport/stalker-proxy/pkg/httpclient"
	"github.com/lucasduport/stalker-proxy/pkg/live"
	"github.com/lucasduport/stalker-proxy/pkg/metrics"
	"github.com/lucasduport/stalker-proxy/pkg/server"
	"github.com/lucasduport/stalker-proxy/pkg/stalker"
	"github.com/lucasduport/stalker-proxy/pkg/transcode"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stalker-proxy",
	Short: "Relay the live channels of a Stalker portal to IPTV players",
	Long: `stalker-proxy authenticates against a Stalker middleware portal as a
set-top box and re-exposes its live channels as plain HLS.

It supports:
- token handshake, renewal and watchdog heartbeat
- signed, link-rot tolerant HLS playlist and segment relay
- M3U export of the channel list
- optional ffmpeg transcoding, Redis cache and PostgreSQL history`,

	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		utils.ConfigureLogging(utils.LogOptions{
			Level:  viper.GetString("log-level"),
			Format: viper.GetString("log-format"),
			File:   viper.GetString("log-file"),
			Debug:  viper.GetBool("debug-logging"),
		})
		defer utils.Close()

		conf, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, conf)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default is $HOME/.stalker-proxy.yaml)")

	// Listener
	rootCmd.Flags().Int("port", 8080, "Listening port")
	rootCmd.Flags().Int("advertised-port", 0, "Port to use in generated URLs (for reverse proxy)")
	rootCmd.Flags().String("hostname", "", "Hostname to use in generated URLs (default: request host)")
	rootCmd.Flags().Bool("https", false, "Use HTTPS for generated URLs")

	// Portal identity
	rootCmd.Flags().String("portal-url", "", "Portal root, e.g. http://host/stalker_portal")
	rootCmd.Flags().String("mac", "", "Device MAC address")
	rootCmd.Flags().String("serial", "", "Device serial number")
	rootCmd.Flags().String("device-id", "", "Device id")
	rootCmd.Flags().String("device-id2", "", "Second device id")
	rootCmd.Flags().String("signature", "", "Device signature")
	rootCmd.Flags().String("stb-type", config.DefaultSTBType, "Set-top box model")
	rootCmd.Flags().String("portal-user-agent", "", "User-Agent sent to the portal")
	rootCmd.Flags().String("timezone", config.DefaultTimezone, "Timezone reported to the portal")
	rootCmd.Flags().Duration("token-ttl", config.DefaultTokenTTL, "Assumed token lifetime")
	rootCmd.Flags().Duration("renewal-window", config.DefaultRenewalWindow, "Renew tokens this long before expiry")
	rootCmd.Flags().Duration("heartbeat-interval", config.DefaultHeartbeatInterval, "Watchdog heartbeat interval")

	// Signing and upstream
	rootCmd.Flags().String("secret", "", "HMAC secret for segment URLs (at least 16 bytes)")
	rootCmd.Flags().Int("upstream-concurrency", config.DefaultConcurrency, "Simultaneous upstream requests")
	rootCmd.Flags().Int("upstream-retries", config.DefaultMaxRetries, "Retries after a failed upstream request (0 disables)")
	rootCmd.Flags().Duration("request-timeout", config.DefaultRequestTimeout, "Upstream request timeout")
	rootCmd.Flags().Duration("segment-timeout", config.DefaultSegmentTimeout, "Segment connect/first byte timeout")
	rootCmd.Flags().Duration("cooldown", config.DefaultCooldown, "Pause after an upstream 429")

	// Cache and persistence
	rootCmd.Flags().Duration("cache-ttl", config.DefaultCacheTTL, "Idle lifetime of a channel cache record")
	rootCmd.Flags().String("redis-url", "", "Redis URL for a shared playlist cache")
	rootCmd.Flags().Bool("db-enabled", false, "Persist sessions and play history to PostgreSQL (DB_* env)")
	rootCmd.Flags().Duration("history-retention", 30*24*time.Hour, "Play history retention")

	// Transcoding
	rootCmd.Flags().Bool("transcode", false, "Serve channels through ffmpeg")
	rootCmd.Flags().String("ffmpeg-path", "ffmpeg", "ffmpeg binary")
	rootCmd.Flags().String("transcode-dir", "", "Transcoder output directory")
	rootCmd.Flags().Duration("transcode-idle", config.DefaultTranscodeIdle, "Stop idle transcoders after")

	// Export
	rootCmd.Flags().String("user", "", "Username for the M3U export")
	rootCmd.Flags().String("password", "", "Password for the M3U export")
	rootCmd.Flags().String("m3u-file-name", "playlist.m3u", "Name of the exported M3U file")

	// Logging
	rootCmd.Flags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.Flags().String("log-format", "text", "text or json")
	rootCmd.Flags().String("log-file", "", "Append logs to this file")
	rootCmd.Flags().Bool("debug-logging", false, "Force debug logging")

	// Bind all flags to viper
	if err := viper.BindPFlags(rootCmd.Flags()); err != nil {
		utils.ErrorLog("Error binding PFlags to viper: %v", err)
		os.Exit(1)
	}
}

// initConfig reads in .env, config file and ENV variables if set
func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		utils.WarnLog("Failed to load .env: %v", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".stalker-proxy")
	}

	// Replace hyphens with underscores in environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		utils.InfoLog("Using config file: %s", viper.ConfigFileUsed())
	}
}

// loadConfig builds and validates the proxy configuration from viper.
func loadConfig() (*config.ProxyConfig, error) {
	conf := &config.ProxyConfig{
		HostConfig: &config.HostConfiguration{
			Hostname: viper.GetString("hostname"),
			Port:     viper.GetInt("port"),
		},
		AdvertisedPort: viper.GetInt("advertised-port"),
		HTTPS:          viper.GetBool("https"),
		Portal: config.PortalConfig{
			URL:               viper.GetString("portal-url"),
			MAC:               strings.ToUpper(viper.GetString("mac")),
			SerialNumber:      viper.GetString("serial"),
			DeviceID:          viper.GetString("device-id"),
			DeviceID2:         viper.GetString("device-id2"),
			Signature:         viper.GetString("signature"),
			STBType:           viper.GetString("stb-type"),
			UserAgent:         viper.GetString("portal-user-agent"),
			Timezone:          viper.GetString("timezone"),
			TokenTTL:          viper.GetDuration("token-ttl"),
			RenewalWindow:     viper.GetDuration("renewal-window"),
			HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		},
		Secret: config.CredentialString(viper.GetString("secret")),
		Upstream: config.UpstreamConfig{
			Concurrency:    viper.GetInt("upstream-concurrency"),
			MaxRetries:     viper.GetInt("upstream-retries"),
			RequestTimeout: viper.GetDuration("request-timeout"),
			SegmentTimeout: viper.GetDuration("segment-timeout"),
			Cooldown:       viper.GetDuration("cooldown"),
		},
		CacheTTL:        viper.GetDuration("cache-ttl"),
		RedisURL:        viper.GetString("redis-url"),
		DatabaseEnabled: viper.GetBool("db-enabled"),
		Transcode: config.TranscodeConfig{
			Enabled:     viper.GetBool("transcode"),
			FFmpegPath:  viper.GetString("ffmpeg-path"),
			TempDir:     viper.GetString("transcode-dir"),
			IdleTimeout: viper.GetDuration("transcode-idle"),
		},
		User:        config.CredentialString(viper.GetString("user")),
		Password:    config.CredentialString(viper.GetString("password")),
		M3UFileName: viper.GetString("m3u-file-name"),
	}
	conf.ApplyDefaults()

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// run wires the components and serves until ctx is cancelled.
func run(ctx context.Context, conf *config.ProxyConfig) error {
	m := metrics.New()

	retries := conf.Upstream.MaxRetries
	if retries == 0 {
		retries = -1
	}
	client := httpclient.New(httpclient.Options{
		Concurrency: conf.Upstream.Concurrency,
		MaxRetries:  retries,
		Timeout:     conf.Upstream.RequestTimeout,
		Cooldown:    conf.Upstream.Cooldown,
		Metrics:     m,
	})

	var (
		sessionStore stalker.SessionStore
		history      server.PlayHistory
	)
	if conf.DatabaseEnabled {
		db, err := database.NewDBManager(database.ConfigFromEnv())
		if err != nil {
			return utils.PrintErrorAndReturn(fmt.Errorf("failed to initialize database: %w", err))
		}
		defer db.Close()
		sessionStore, history = db, db
		go prunePlayHistory(ctx, db, viper.GetDuration("history-retention"))
	} else {
		utils.InfoLog("Bootstrap: Database is DISABLED (no persistence)")
	}

	session := stalker.NewSessionManager(client, conf.Portal, sessionStore, m)
	defer session.Close()
	if session.Restore(ctx) {
		utils.InfoLog("Restored portal session from database")
	}
	portal := stalker.NewPortal(client, session)

	if _, err := session.GetToken(ctx, false); err != nil {
		utils.WarnLog("Initial portal authentication failed, will retry on demand: %v", err)
	}

	var records live.RecordStore
	if conf.RedisURL != "" {
		rs, err := live.OpenRedisStore(ctx, conf.RedisURL, conf.CacheTTL)
		if err != nil {
			return utils.PrintErrorAndReturn(err)
		}
		records = rs
		utils.InfoLog("Playlist cache backed by Redis at %s", utils.MaskURL(conf.RedisURL))
	}

	engine, err := live.NewEngine(live.Options{
		Signer:         live.NewSigner(conf.Secret.String()),
		Resolver:       portal,
		Client:         client,
		Store:          records,
		Tracker:        session,
		Metrics:        m,
		CacheTTL:       conf.CacheTTL,
		SegmentTimeout: conf.Upstream.SegmentTimeout,
		UserAgent:      conf.Portal.UserAgent,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	deps := server.Deps{
		Engine:   engine,
		Channels: portal,
		Session:  session,
		History:  history,
		Metrics:  m,
	}
	if conf.Transcode.Enabled {
		tr, err := transcode.New(transcode.Options{
			FFmpegPath:  conf.Transcode.FFmpegPath,
			TempDir:     conf.Transcode.TempDir,
			IdleTimeout: conf.Transcode.IdleTimeout,
			UserAgent:   conf.Portal.UserAgent,
			Metrics:     m,
		})
		if err != nil {
			return utils.PrintErrorAndReturn(err)
		}
		defer tr.Close()
		deps.Transcoder, deps.Links = tr, portal
	}

	srv, err := server.NewServer(conf, deps)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// prunePlayHistory drops old play events once a day.
func prunePlayHistory(ctx context.Context, db *database.DBManager, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		n, err := db.CleanupPlayHistory(ctx, retention)
		if err != nil {
			utils.WarnLog("Play history cleanup failed: %v", err)
		} else if n > 0 {
			utils.InfoLog("Removed %d play events older than %v", n, retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
