// Copyright 2025 The mediasync Authors
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

package cfg

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/valandreev/mediasync/pkg/cache"
)

var Version = "use `make build' to fill version hash correctly"

// FlagStorage holds the global flags shared by every command.
type FlagStorage struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	LogFile     string
	NoLogColor  bool
	MetricsAddr string
}

func NewApp() (app *cli.App) {
	defaultConfig, err := cache.DefaultConfigPath()
	if err != nil {
		defaultConfig = "mediasync.yaml"
	}

	app = &cli.App{
		Name:     "mediasync",
		Version:  Version,
		Usage:    "Cache remote media locally and upload captured media reliably",
		HideHelp: false,
		Writer:   os.Stderr,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config",
				Value: defaultConfig,
				Usage: "Path to the YAML configuration file. A template is written if it does not exist.",
			},
			cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error. Overrides log.level from the config file.",
			},
			cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: console or json. Overrides log.format from the config file.",
			},
			cli.StringFlag{
				Name:  "log-file",
				Usage: "Redirect logs to a file, or 'syslog'. Default: stderr.",
			},
			cli.BoolFlag{
				Name:  "no-log-color",
				Usage: "Disable colored console logs.",
			},
			cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9100) while the command runs.",
			},
		},
	}

	return
}

// PopulateFlags reads the global flags from c.
func PopulateFlags(c *cli.Context) *FlagStorage {
	flags := &FlagStorage{
		ConfigPath:  c.GlobalString("config"),
		LogLevel:    c.GlobalString("log-level"),
		LogFormat:   c.GlobalString("log-format"),
		LogFile:     c.GlobalString("log-file"),
		NoLogColor:  c.GlobalBool("no-log-color"),
		MetricsAddr: c.GlobalString("metrics-addr"),
	}
	if flags.ConfigPath == "" {
		return nil
	}
	return flags
}

func (f *FlagStorage) String() string {
	return fmt.Sprintf("config=%s log-level=%s log-format=%s log-file=%s", f.ConfigPath, f.LogLevel, f.LogFormat, f.LogFile)
}
