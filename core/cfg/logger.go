// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2021 Yandex LLC
// Copyright 2024 Tigris Data, Inc.
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
	"os"

	"github.com/mattn/go-isatty"

	"github.com/valandreev/mediasync/log"
)

// InitLoggers merges the log section of the config file with the command
// line flags, which win, and applies the result to every logger.
func InitLoggers(flags *FlagStorage, fileCfg log.LogConfig) error {
	merged := MergeLogConfig(flags, fileCfg)

	lf := merged.File
	if lf == "" {
		lf = "stderr"
	}
	if err := log.InitLoggerRedirect(lf); err != nil {
		return err
	}

	if merged.Format == "" {
		merged.Format = "json"
		if isTTY(os.Stderr) && lf == "stderr" {
			merged.Format = "console"
		}
	}

	log.DefaultLogConfig = &merged
	log.SetLoggersConfig(log.DefaultLogConfig)

	return nil
}

// MergeLogConfig overlays non-empty flags on fileCfg.
func MergeLogConfig(flags *FlagStorage, fileCfg log.LogConfig) log.LogConfig {
	merged := fileCfg
	merged.Color = true
	if flags == nil {
		return merged
	}
	if flags.LogLevel != "" {
		merged.Level = flags.LogLevel
	}
	if flags.LogFormat != "" {
		merged.Format = flags.LogFormat
	}
	if flags.LogFile != "" {
		merged.File = flags.LogFile
	}
	if flags.NoLogColor {
		merged.Color = false
	}
	return merged
}

func isTTY(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
