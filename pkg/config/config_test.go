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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"listen": ":9000",
		"origin": "https://keys.example.com",
		"mongo": {"uri": "mongodb://localhost/keyserver", "database": "keyserver"},
		"smtp": {"host": "mail.example.com", "port": 587, "sender": "noreply@example.com"},
		"publicKey": {"purgeTimeInDays": 14}
	}`)
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Listen != ":9000" {
		t.Errorf("listen = %q", conf.Listen)
	}
	if conf.SMTP.Port != 587 {
		t.Errorf("smtp port = %d", conf.SMTP.Port)
	}
	if conf.PublicKey.PurgeTimeInDays != 14 {
		t.Errorf("purgeTimeInDays = %d", conf.PublicKey.PurgeTimeInDays)
	}
	if conf.RestrictionRegex() != nil {
		t.Error("restriction regex should be nil when disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	conf, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Listen != ":8888" {
		t.Errorf("default listen = %q", conf.Listen)
	}
	if conf.PublicKey.PurgeTimeInDays != 30 {
		t.Errorf("default purgeTimeInDays = %d", conf.PublicKey.PurgeTimeInDays)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"listne": ":9000"}`)
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a config with a misspelled key")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{"listen": ":9000", "smtp": {"port": 25}}`)
	t.Setenv("KEYSERVER_LISTEN", ":7000")
	t.Setenv("KEYSERVER_SMTP_PORT", "2525")
	t.Setenv("KEYSERVER_MONGO_PASSWORD", "hunter2")

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Listen != ":7000" {
		t.Errorf("listen = %q, env override lost", conf.Listen)
	}
	if conf.SMTP.Port != 2525 {
		t.Errorf("smtp port = %d, env override lost", conf.SMTP.Port)
	}
	if conf.Mongo.Password != "hunter2" {
		t.Errorf("mongo password env override lost")
	}
}

func TestLoadRestriction(t *testing.T) {
	path := writeConfig(t, `{"publicKey": {"restrictUserOrigin": true, "restrictionRegEx": "@example\\.com$"}}`)
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rx := conf.RestrictionRegex()
	if rx == nil || !rx.MatchString("alice@example.com") {
		t.Errorf("restriction regex not compiled: %v", rx)
	}

	path = writeConfig(t, `{"publicKey": {"restrictUserOrigin": true}}`)
	if _, err := Load(path); err == nil {
		t.Error("Load accepted restrictUserOrigin without a regex")
	}

	path = writeConfig(t, `{"publicKey": {"restrictUserOrigin": true, "restrictionRegEx": "("}}`)
	if _, err := Load(path); err == nil {
		t.Error("Load accepted an invalid restriction regex")
	}
}
