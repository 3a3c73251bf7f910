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

	"github.com/goccy/go-json"
	"github.com/perti/swim/internal/client"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "print events from a broker",
	Long: `Listen connects to a broker, subscribes, and prints every frame it
receives on a line of its own. It reconnects and resubscribes if the
connection drops, and gives up if the broker refuses the credential or
the tier has no connections left. For example:

export SWIM_LISTEN_URL=ws://127.0.0.1:8090/ws
export SWIM_API_KEY=somekey
export SWIM_LISTEN_CHANNELS=flight.*,tmi.issued
export SWIM_LISTEN_FILTERS='{"airports":["KJFK"]}'
swim listen
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetDefault("listen_url", "ws://127.0.0.1:8090/ws")
		viper.SetDefault("listen_channels", "*")
		viper.SetDefault("listen_filters", "")
		viper.SetDefault("api_key", "")

		apiKey := viper.GetString("api_key")
		channels := viper.GetString("listen_channels")
		filters := viper.GetString("listen_filters")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		url := viper.GetString("listen_url")

		ctx, cancel := signalContext()
		defer cancel()

		// frames go to stdout, so the log must go elsewhere
		if strings.ToLower(logFile) == "stdout" {
			logFile = "stderr"
		}

		if err := setupLogging(ctx, logLevel, logFormat, logFile); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		var raw json.RawMessage
		if filters != "" {
			if !json.Valid([]byte(filters)) {
				fmt.Println("SWIM_LISTEN_FILTERS is not valid JSON")
				os.Exit(1)
			}
			raw = json.RawMessage(filters)
		}

		c, err := client.New(url, apiKey).WithSubscription(strings.Split(channels, ","), raw)
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		errs := make(chan error, 1)

		go func() {
			errs <- c.Run(ctx)
		}()

		for {
			select {
			case data := <-c.In:
				fmt.Println(string(data))
			case err := <-errs:
				if client.IsTerminal(err) {
					log.Errorf("Stopping due to error: %s", err.Error())
					fmt.Fprintln(os.Stderr, err.Error())
					os.Exit(1)
				}
				return
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
