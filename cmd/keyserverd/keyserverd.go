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

// The keyserverd binary is the OpenPGP key directory daemon: it accepts
// key uploads, verifies email ownership by challenge, and serves the
// verified keys over HTTP.
package main // import "github.com/SimonVareille/keyserver/cmd/keyserverd"

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SimonVareille/keyserver/pkg/config"
	"github.com/SimonVareille/keyserver/pkg/email"
	"github.com/SimonVareille/keyserver/pkg/keydb/mongo"
	"github.com/SimonVareille/keyserver/pkg/keydir"
	"github.com/SimonVareille/keyserver/pkg/server"
)

var (
	flagConfig  = flag.String("config", "", "path to the JSON config file; environment variables override")
	flagVerbose = flag.Bool("verbose", false, "enable debug logging")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	conf, err := config.Load(*flagConfig)
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}

	store, closeStore, err := mongo.Dial(mongo.Options{
		URI:      conf.Mongo.URI,
		Database: conf.Mongo.Database,
		User:     conf.Mongo.User,
		Password: conf.Mongo.Password,
	})
	if err != nil {
		logrus.WithError(err).Fatal("connecting to MongoDB")
	}
	defer closeStore()

	mailer, err := email.NewSMTPMailer(email.SMTPOptions{
		Host:       conf.SMTP.Host,
		Port:       conf.SMTP.Port,
		Username:   conf.SMTP.Username,
		Password:   conf.SMTP.Password,
		Sender:     conf.SMTP.Sender,
		SenderName: conf.SMTP.SenderName,
	})
	if err != nil {
		logrus.WithError(err).Fatal("configuring SMTP mailer")
	}

	dir := keydir.New(store, mailer, keydir.Config{
		PurgeDays:          conf.PublicKey.PurgeTimeInDays,
		RestrictUserOrigin: conf.PublicKey.RestrictUserOrigin,
		RestrictionRegex:   conf.RestrictionRegex(),
	})

	srv := &http.Server{
		Addr:    conf.Listen,
		Handler: server.New(dir, conf.Origin).Router(),
	}

	go func() {
		logrus.WithField("listen", conf.Listen).Info("key server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logrus.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("graceful shutdown failed")
	}
}
