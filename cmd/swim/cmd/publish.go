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
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/perti/swim/internal/intake"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var publishCmd = &cobra.Command{
	Use:   "publish <file>",
	Short: "post a batch of events to the intake",
	Long: `Publish posts a JSON batch of events, read from a file or from
stdin if the file is -, to the intake. The batch looks like

{"events":[{"type":"tmi.issued","data":{"airport":"KJFK","program":"GS"}}]}

Callers that are not on the loopback interface need the intake secret,
or a token minted with swim token, for example:

export SWIM_PUBLISH_URL=http://swim.example.org:8091
export SWIM_INTAKE_SECRET=somesecret
swim publish events.json
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetDefault("publish_url", "http://127.0.0.1:8091")
		viper.SetDefault("publish_token", "")

		secret := viper.GetString("intake_secret")
		token := viper.GetString("publish_token")
		url := viper.GetString("publish_url")

		var body []byte
		var err error

		if args[0] == "-" {
			body, err = io.ReadAll(os.Stdin)
		} else {
			body, err = os.ReadFile(args[0])
		}

		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		// catch obvious mistakes before they reach the server
		var batch intake.EventsRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			fmt.Println("not a batch of events: " + err.Error())
			os.Exit(1)
		}

		req, err := http.NewRequest("POST", url+"/api/v1/events", bytes.NewReader(body))
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		req.Header.Set("Content-Type", "application/json")

		switch {
		case token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		case secret != "":
			req.Header.Set(intake.SecretHeader, secret)
		}

		hc := &http.Client{Timeout: 10 * time.Second}

		resp, err := hc.Do(req)
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}
		defer resp.Body.Close()

		reply, err := io.ReadAll(resp.Body)
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		fmt.Println(string(reply))

		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
}
