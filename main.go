// Copyright 2021-2022 The tdstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/tdstream/cmd"
	"github.com/alwitt/tdstream/common"
	"github.com/alwitt/tdstream/core"
	"github.com/alwitt/tdstream/session"
	"github.com/alwitt/tdstream/stream"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog     bool
	LogLevel    string `validate:"required,oneof=debug info warn error"`
	ConfigFile  string `validate:"omitempty,file"`
	SessionFile string `validate:"required,file"`
	Hostname    string
}

var cmdArgs cliArgs

var logTags log.Fields

// logoutWait how long to wait for the logout acknowledgement on shutdown
const logoutWait = time.Second * 5

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Streaming market data client with HTTP fan-out and NATS JetStream relay",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			// Session
			&cli.StringFlag{
				Name:        "session-file",
				Usage:       "Session descriptor or user principals JSON file",
				EnvVars:     []string{"SESSION_FILE"},
				Destination: &cmdArgs.SessionFile,
				Required:    true,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the streaming API server",
				Description: "Serves stream feeds over HTTP as newline delimited JSON",
				Action:      startStreamServer,
			},
			{
				Name:        "relay",
				Usage:       "Relay stream records to NATS JetStream",
				Description: "Publishes every received record under <prefix>.<SERVICE>.<entity>",
				Flags:       cmd.GetSubscribeCLIFlags(false),
				Action:      startRelay,
			},
			{
				Name:        "watch",
				Usage:       "Print one feed to stdout",
				Description: "Subscribes one feed and prints its records as JSON lines",
				Flags:       cmd.GetSubscribeCLIFlags(true),
				Action:      startWatch,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, session.Descriptor, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, session.Descriptor{}, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, session.Descriptor{}, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, session.Descriptor{}, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, session.Descriptor{}, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, session.Descriptor{}, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, session.Descriptor{}, err
	}
	desc, err := session.LoadFile(cmdArgs.SessionFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to load session from %s", cmdArgs.SessionFile,
		)
		return nil, session.Descriptor{}, err
	}
	return &config, desc, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// startClient prepare the runtime controls and log the stream client in
func startClient(
	config *common.SystemConfig, desc session.Descriptor,
) (stream.Client, *sync.WaitGroup, context.Context, context.CancelFunc, error) {
	wg, runTimeContext, rtCancel := defineControlVars()
	signalRecvSetup(wg, runTimeContext, rtCancel)
	client, err := cmd.StartStreamClient(runTimeContext, desc, config.Stream, cmdArgs.Hostname)
	if err != nil {
		rtCancel()
		wg.Wait()
		return nil, nil, nil, nil, err
	}
	return client, wg, runTimeContext, rtCancel, nil
}

// ============================================================================
// Serve subcommand

// startStreamServer run the streaming API server
func startStreamServer(c *cli.Context) error {
	config, desc, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.HTTP == nil {
		return fmt.Errorf("stream server can't start without its configurations")
	}

	client, wg, runTimeContext, rtCancel, err := startClient(config, desc)
	if err != nil {
		return err
	}
	defer wg.Wait()
	defer rtCancel()
	defer cmd.StopStreamClient(client, logoutWait)

	return cmd.RunStreamServer(runTimeContext, config.HTTP, cmdArgs.Hostname, client, wg)
}

// ============================================================================
// Relay subcommand

// startRelay run the NATS JetStream relay
func startRelay(c *cli.Context) error {
	config, desc, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.NATS == nil {
		return fmt.Errorf("relay can't start without its NATS configurations")
	}
	feedArgs, withFeed, err := cmd.ReadSubscribeCLIArgs(c)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid subscription args")
		return err
	}

	client, wg, runTimeContext, rtCancel, err := startClient(config, desc)
	if err != nil {
		return err
	}
	defer wg.Wait()
	defer rtCancel()
	defer cmd.StopStreamClient(client, logoutWait)

	js, err := core.GetJetStream(core.ConnectParamsFromConfig(*config.NATS, rtCancel))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer js.Close(context.Background())

	var feed *cmd.SubscribeCLIArgs
	if withFeed {
		feed = &feedArgs
	}
	return cmd.RunRelay(runTimeContext, *config.NATS, cmdArgs.Hostname, js, client, feed)
}

// ============================================================================
// Watch subcommand

// startWatch print one feed to stdout
func startWatch(c *cli.Context) error {
	config, desc, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	feedArgs, _, err := cmd.ReadSubscribeCLIArgs(c)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid subscription args")
		return err
	}

	client, wg, runTimeContext, rtCancel, err := startClient(config, desc)
	if err != nil {
		return err
	}
	defer wg.Wait()
	defer rtCancel()
	defer cmd.StopStreamClient(client, logoutWait)

	return cmd.RunWatch(runTimeContext, cmdArgs.Hostname, client, feedArgs, os.Stdout)
}
