/*
   swim is a real-time event broker for air traffic flow management data
   Copyright (C) 2026 The swim authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/perti/swim/internal/broker"
	"github.com/perti/swim/internal/credential"
	"github.com/perti/swim/internal/intake"
	"github.com/perti/swim/internal/tier"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var intakeOnly bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the websocket broker and the event intake",
	Long: `Serve runs the websocket broker and the event intake in one process.
Set parameters with environment variables, for example:

export SWIM_LISTEN=:8090
export SWIM_INTAKE_LISTEN=127.0.0.1:8091
export SWIM_INTAKE_SECRET=somesecret
export SWIM_DB_DSN=/var/lib/swim/keys.db
export SWIM_CACHE_TTL=5m
export SWIM_TIERS_PUBLIC_MAX_CONNECTIONS=5
export SWIM_LOG_LEVEL=info
export SWIM_LOG_FORMAT=json
export SWIM_LOG_FILE=/var/log/swim/swim.log
swim serve

To run the intake on its own, handing events to brokers via NATS:

export SWIM_NATS_URL=nats://127.0.0.1:4222
swim serve --intake-only

A broker with SWIM_NATS_URL set also takes events from NATS.

Notes:
SWIM_DEBUG_TIER grants that tier to any credential when there is no
credential store or it cannot be reached. Never set it in production.
`,
	Run: func(cmd *cobra.Command, args []string) {

		authEnabled := viper.GetBool("auth_enabled")
		authTimeout := viper.GetDuration("auth_timeout")
		cacheTTL := viper.GetDuration("cache_ttl")
		dbDriver := viper.GetString("db_driver")
		dbDSN := viper.GetString("db_dsn")
		debugTier := viper.GetString("debug_tier")
		heartbeatEvery := viper.GetDuration("heartbeat_every")
		intakeListen := viper.GetString("intake_listen")
		intakeQueueSize := viper.GetInt("intake_queue_size")
		intakeSecret := viper.GetString("intake_secret")
		listen := viper.GetString("listen")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		maxFrameSize := viper.GetInt("max_frame_size")
		natsSubject := viper.GetString("nats_subject")
		natsURL := viper.GetString("nats_url")
		sendBuffer := viper.GetInt("send_buffer")

		ctx, cancel := signalContext()
		defer cancel()

		if err := setupLogging(ctx, logLevel, logFormat, logFile); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		// Report useful info
		log.Infof("swim version: %s", versionString())
		log.Infof("Auth enabled: [%t]", authEnabled)
		log.Infof("Auth timeout: [%s]", authTimeout)
		log.Infof("Cache TTL: [%s]", cacheTTL)
		log.Infof("Credential store: [%s]", dbDriver)
		log.Infof("Debug tier: [%s]", debugTier)
		log.Infof("Heartbeat every: [%s]", heartbeatEvery)
		log.Infof("Intake listen: [%s]", intakeListen)
		log.Infof("Intake only: [%t]", intakeOnly)
		log.Infof("Intake queue size: [%d]", intakeQueueSize)
		log.Debugf("Intake secret: [%s]", mask(intakeSecret))
		log.Infof("Listen: [%s]", listen)
		log.Infof("Max frame size: [%d]", maxFrameSize)
		log.Infof("NATS: [%s %s]", natsURL, natsSubject)
		log.Infof("Send buffer: [%d]", sendBuffer)

		intakeConfig := intake.NewDefaultConfig().
			WithListen(intakeListen).
			WithSecret(intakeSecret)

		if intakeOnly {
			if err := serveIntakeOnly(ctx, *intakeConfig, natsURL, natsSubject); err != nil {
				log.Errorf("Stopping due to error: %s", err.Error())
				fmt.Println(err.Error())
				os.Exit(1)
			}
			return
		}

		resolver, err := newResolver(ctx, dbDriver, dbDSN, cacheTTL, authTimeout, debugTier)
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}
		defer resolver.Close()

		brokerConfig := broker.NewDefaultConfig().
			WithListen(listen).
			WithAuthEnabled(authEnabled).
			WithAuthTimeout(authTimeout).
			WithHeartbeatEvery(heartbeatEvery).
			WithMaxFrameSize(maxFrameSize).
			WithSendBuffer(sendBuffer).
			WithTiers(tiers()).
			WithVersion(versionString())

		b, err := broker.New(*brokerConfig, resolver)
		if err != nil {
			fmt.Println("invalid configuration: " + err.Error())
			os.Exit(1)
		}

		queue := intake.NewQueue(intakeQueueSize)

		s, err := intake.New(*intakeConfig, queue, b)
		if err != nil {
			fmt.Println("invalid intake configuration: " + err.Error())
			os.Exit(1)
		}

		if natsURL != "" {
			nc, err := intake.ConnectNATS(natsURL)
			if err != nil {
				fmt.Println("cannot connect to NATS: " + err.Error())
				os.Exit(1)
			}
			defer nc.Close()
			source := intake.NewNATSSource(nc, natsSubject, queue)
			if err := source.Start(); err != nil {
				fmt.Println("cannot subscribe to NATS: " + err.Error())
				os.Exit(1)
			}
			defer source.Close()
		}

		var wg sync.WaitGroup

		wg.Add(3)

		go func() {
			defer wg.Done()
			queue.Drain(ctx, b)
		}()

		go func() {
			defer wg.Done()
			if err := b.Run(ctx); err != nil {
				log.Errorf("broker: %s", err.Error())
				cancel()
			}
		}()

		go func() {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				log.Errorf("intake: %s", err.Error())
				cancel()
			}
		}()

		wg.Wait()

		log.Info("swim stopped")
	},
}

// newResolver opens the credential store, if there is one, and puts a
// circuit breaker and a cache in front of it
func newResolver(ctx context.Context, driver, dsn string, cacheTTL, timeout time.Duration, debugTier string) (*credential.Resolver, error) {

	var store credential.Store

	if dsn == "" {
		log.Warn("no credential store configured (SWIM_DB_DSN); only anonymous or debug connections can succeed")
	} else {
		sqlStore, err := credential.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("cannot open credential store: %w", err)
		}
		if err := sqlStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("cannot migrate credential store: %w", err)
		}
		go func() {
			<-ctx.Done()
			sqlStore.Close()
		}()
		store = credential.NewBreakerStore(sqlStore, 30*time.Second)
	}

	resolver := credential.NewResolver(store, cacheTTL).WithTimeout(timeout)

	if debugTier != "" {
		t, err := tier.Parse(debugTier)
		if err != nil {
			return nil, fmt.Errorf("SWIM_DEBUG_TIER: %w", err)
		}
		if _, err := resolver.WithDebugTier(t); err != nil {
			return nil, err
		}
		log.Warnf("debug tier %s is enabled", t)
	}

	return resolver, nil
}

// serveIntakeOnly runs the intake, publishing accepted events to NATS
func serveIntakeOnly(ctx context.Context, config intake.Config, natsURL, subject string) error {

	if natsURL == "" {
		return fmt.Errorf("SWIM_NATS_URL must be set to run the intake on its own")
	}

	nc, err := intake.ConnectNATS(natsURL)
	if err != nil {
		return err
	}
	defer nc.Close()

	s, err := intake.New(config, intake.NewNATSSink(nc, subject), nil)
	if err != nil {
		return err
	}

	return s.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&intakeOnly, "intake-only", false, "run only the intake, forwarding events to NATS")
}
