/*
	Reefmap
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package rmcmd is the command line interface and implements main().
package rmcmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"runtime/debug"

	"github.com/reefmap/reefmap/catalog"
	"github.com/reefmap/reefmap/rmapp"
	"go.uber.org/zap"
)

func Main() {
	flag.StringVar(&configFile, "config", configFile, "Path to the JSON config file")
	flag.Parse()

	cfg, err := rmapp.LoadConfig(configFile)
	if err != nil {
		catalog.Log.Fatal("failed loading config", zap.String("path", configFile), zap.Error(err))
	}

	ctx := context.Background()

	app, err := rmapp.New(ctx, cfg)
	if err != nil {
		catalog.Log.Fatal("failed to run application", zap.Error(err))
	}

	// implement standard (CLI-only) commands
	subCommand, subCommandFunc := getStandardSubcommand(app)
	if subCommandFunc != nil {
		if err := checkFlagParsing(); err != nil {
			catalog.Log.Fatal("possible syntax error detected", zap.Error(err))
		}
		if err := subCommandFunc(); err != nil {
			catalog.Log.Fatal("subcommand failed",
				zap.String("subcommand", subCommand),
				zap.Error(err))
		}
		return
	}

	// check for registered endpoint (API command)
	if remaining := flag.Args(); len(remaining) > 0 {
		err := app.RunCommand(ctx, remaining)
		app.Close()
		if err != nil {
			catalog.Log.Fatal("command failed", zap.String("command", remaining[0]), zap.Error(err))
		}
		return
	}

	rmapp.TrapSignals()

	startedServer, err := app.Serve()
	if err != nil {
		catalog.Log.Fatal("could not start server", zap.Error(err))
	}
	if !startedServer {
		catalog.Log.Info("server is already running; use a command to talk to it, or 'help'")
		return
	}

	select {}
}

// Gets CLI-only commands.
func getStandardSubcommand(app *rmapp.App) (string, func() error) {
	standardCommands := map[string]func() error{
		"serve": func() error {
			rmapp.TrapSignals()
			if err := app.MustServe(); err != nil {
				return err
			}
			select {}
		},
		"help": func() error { //nolint:unparam
			fmt.Println(app.CommandLineHelp())
			return nil
		},
		"version": func() error { //nolint:unparam
			fmt.Println(version())
			return nil
		},
	}

	if len(flag.Args()) > 0 {
		subCommand := flag.Arg(0)
		subCommandFunc, ok := standardCommands[subCommand]
		if ok {
			return subCommand, subCommandFunc
		}
	}
	return "", nil
}

// checkFlagParsing returns an error if it looks like flags were
// given after a standard command, as in `reefmap serve -config x.json`,
// where they would be ignored instead of configuring the program.
// It is not used for API commands, whose flags are their arguments.
func checkFlagParsing() error {
	if flag.NArg() > 1 {
		return errors.New("it looks like you intended to specify flags, but none were parsed; make sure flags go before positional arguments")
	}
	return nil
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "reefmap (unknown version)"
	}
	return "reefmap " + info.Main.Version
}

var configFile = rmapp.DefaultConfigFilePath()
