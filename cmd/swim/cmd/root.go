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
	"fmt"
	"os"
	"strings"

	"github.com/perti/swim/internal/intake"
	"github.com/perti/swim/internal/tier"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "swim",
	Short: "real-time event broker for air traffic flow management data",
	Long: `swim accepts websocket subscribers, lets them subscribe to flight,
traffic management initiative and system events with filters, and fans out
events posted to its intake endpoint. Set parameters with environment
variables prefixed SWIM_, or a config file, for example:

export SWIM_LISTEN=:8090
export SWIM_INTAKE_LISTEN=127.0.0.1:8091
export SWIM_DB_DSN=/var/lib/swim/keys.db
export SWIM_LOG_LEVEL=info
swim serve
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $SWIM_CONFIG, if set)")
}

// initConfig reads ENV variables, e.g. export SWIM_LISTEN=:8091,
// and a config file if one is given
func initConfig() {

	viper.SetEnvPrefix("SWIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if cfgFile == "" {
		cfgFile = viper.GetString("config")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Printf("cannot read config file %s: %s\n", cfgFile, err.Error())
			os.Exit(1)
		}
	}
}

func setDefaults() {

	viper.SetDefault("auth_enabled", true)
	viper.SetDefault("auth_timeout", "5s")
	viper.SetDefault("cache_ttl", "5m")
	viper.SetDefault("db_driver", "sqlite")
	viper.SetDefault("db_dsn", "") // no credential store unless set
	viper.SetDefault("debug_tier", "")
	viper.SetDefault("heartbeat_every", "30s")
	viper.SetDefault("intake_listen", "127.0.0.1:8091")
	viper.SetDefault("intake_queue_size", intake.DefaultQueueSize)
	viper.SetDefault("intake_secret", "")
	viper.SetDefault("listen", ":8090")
	viper.SetDefault("log_file", "stdout")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("max_frame_size", 65536)
	viper.SetDefault("nats_subject", intake.DefaultSubject)
	viper.SetDefault("nats_url", "")
	viper.SetDefault("send_buffer", 256)

	for t, l := range tier.DefaultTable() {
		viper.SetDefault("tiers."+t.String()+".max_connections", l.MaxConnections)
		viper.SetDefault("tiers."+t.String()+".max_messages_per_second", l.MaxMessagesPerSecond)
	}
}

// tiers reads the per-tier limits
func tiers() tier.Table {
	table := tier.Table{}
	for _, t := range tier.All() {
		table[t] = tier.Limits{
			MaxConnections:       viper.GetInt("tiers." + t.String() + ".max_connections"),
			MaxMessagesPerSecond: viper.GetInt("tiers." + t.String() + ".max_messages_per_second"),
		}
	}
	return table
}
