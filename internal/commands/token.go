// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/quiverops/quiver/internal/config"
	"github.com/quiverops/quiver/internal/server/auth"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	cmd.AddCommand(newTokenCreateCommand())

	return cmd
}

func newTokenCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a JWT for the quiverd API",
		Long: `Mint an HS256 token signed with the configured JWT secret.

The token authenticates requests against the /api/v1 routes:

  curl -H "Authorization: Bearer $(quiver token create)" \
    http://localhost:8080/api/v1/workflows`,
		Args: cobra.NoArgs,
		RunE: runTokenCreate,
	}

	cmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Subject claim for the token")
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: auth.token_ttl from config)")

	return cmd
}

func runTokenCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token, err := auth.Generate(tokenSubject, authConfig(cfg))
	if err != nil {
		return err
	}

	// Bare token on stdout so it composes into shell pipelines.
	cmd.Println(token)
	return nil
}

// authConfig maps daemon config onto the auth package's Config. The
// --ttl flag overrides the configured lifetime.
func authConfig(cfg *config.Config) auth.Config {
	ttl := cfg.Auth.TokenTTL
	if tokenTTL > 0 {
		ttl = tokenTTL
	}
	return auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
		TokenTTL: ttl,
	}
}
