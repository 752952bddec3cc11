/*
Copyright 2026 The Keyserver Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the key server configuration from a JSON file
// with environment variable overrides for deployment secrets.
package config // import "github.com/SimonVareille/keyserver/pkg/config"

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Config is the key server configuration. Unknown keys in the config
// file are rejected, so typos fail at startup instead of being
// silently ignored.
type Config struct {
	// Listen is the address the HTTP server binds to, host:port.
	Listen string `json:"listen"`

	// Origin is the externally visible base URL used in the links of
	// verification emails, e.g. "https://keys.example.com". When empty
	// the origin is derived from each incoming request.
	Origin string `json:"origin"`

	Mongo     Mongo     `json:"mongo"`
	SMTP      SMTP      `json:"smtp"`
	PublicKey PublicKey `json:"publicKey"`
}

// Mongo configures the MongoDB connection.
type Mongo struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// SMTP configures outgoing verification email.
type SMTP struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName"`
}

// PublicKey configures the key directory policy.
type PublicKey struct {
	// PurgeTimeInDays is the age after which records without a verified
	// user ID are purged. Defaults to 30.
	PurgeTimeInDays int `json:"purgeTimeInDays"`

	// RestrictUserOrigin requires uploaded keys to carry a user ID
	// matching RestrictionRegEx, and restricts verification challenges
	// to matching user IDs.
	RestrictUserOrigin bool   `json:"restrictUserOrigin"`
	RestrictionRegEx   string `json:"restrictionRegEx"`
}

// Load reads the configuration from path, applies environment
// overrides, and validates it. path may be empty to configure from the
// environment alone.
func Load(path string) (*Config, error) {
	conf := &Config{
		Listen: ":8888",
		PublicKey: PublicKey{
			PurgeTimeInDays: 30,
		},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(conf); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	conf.applyEnv()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyEnv overrides file values from the environment. Secrets in
// particular are expected to arrive this way in container deployments.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setStr(&c.Listen, "KEYSERVER_LISTEN")
	setStr(&c.Origin, "KEYSERVER_ORIGIN")
	setStr(&c.Mongo.URI, "KEYSERVER_MONGO_URI")
	setStr(&c.Mongo.Database, "KEYSERVER_MONGO_DATABASE")
	setStr(&c.Mongo.User, "KEYSERVER_MONGO_USER")
	setStr(&c.Mongo.Password, "KEYSERVER_MONGO_PASSWORD")
	setStr(&c.SMTP.Host, "KEYSERVER_SMTP_HOST")
	setStr(&c.SMTP.Username, "KEYSERVER_SMTP_USERNAME")
	setStr(&c.SMTP.Password, "KEYSERVER_SMTP_PASSWORD")
	setStr(&c.SMTP.Sender, "KEYSERVER_SMTP_SENDER")
	setStr(&c.SMTP.SenderName, "KEYSERVER_SMTP_SENDER_NAME")
	if v, ok := os.LookupEnv("KEYSERVER_SMTP_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = n
		}
	}
}

func (c *Config) validate() error {
	if c.PublicKey.PurgeTimeInDays <= 0 {
		return fmt.Errorf("config: publicKey.purgeTimeInDays must be positive")
	}
	if c.PublicKey.RestrictUserOrigin {
		if c.PublicKey.RestrictionRegEx == "" {
			return fmt.Errorf("config: publicKey.restrictionRegEx required when restrictUserOrigin is set")
		}
		if _, err := regexp.Compile(c.PublicKey.RestrictionRegEx); err != nil {
			return fmt.Errorf("config: invalid publicKey.restrictionRegEx: %w", err)
		}
	}
	return nil
}

// RestrictionRegex returns the compiled user ID restriction, or nil
// when the restriction is disabled.
func (c *Config) RestrictionRegex() *regexp.Regexp {
	if !c.PublicKey.RestrictUserOrigin {
		return nil
	}
	return regexp.MustCompile(c.PublicKey.RestrictionRegEx)
}
