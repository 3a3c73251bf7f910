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

	"github.com/perti/swim/internal/intake"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "swim token generates a bearer token for posting to the intake",
	Long: `Set the operating parameters with environment variables, for example

export SWIM_INTAKE_SECRET=somesecret
export SWIM_TOKEN_SUBJECT=tmi-feed
export SWIM_TOKEN_LIFETIME=24h
export SWIM_PUBLISH_TOKEN=$(swim token)
`,

	Run: func(cmd *cobra.Command, args []string) {

		viper.SetDefault("token_lifetime", "1h")
		viper.SetDefault("token_subject", "")

		lifetime := viper.GetDuration("token_lifetime")
		secret := viper.GetString("intake_secret")
		subject := viper.GetString("token_subject")

		// check inputs

		if lifetime <= 0 {
			fmt.Println("SWIM_TOKEN_LIFETIME must be a positive duration")
			os.Exit(1)
		}
		if secret == "" {
			fmt.Println("SWIM_INTAKE_SECRET not set")
			os.Exit(1)
		}
		if subject == "" {
			fmt.Println("SWIM_TOKEN_SUBJECT not set")
			os.Exit(1)
		}

		bearer, err := intake.NewToken(secret, subject, lifetime)

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println(bearer)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
