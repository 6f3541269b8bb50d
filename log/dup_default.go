//go:build !windows

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

package log

import (
	"fmt"
	"io"
	"log/syslog"
	"os"

	"golang.org/x/sys/unix"
)

// redirectStdio points the process stdout and stderr at target so that panics
// and stray prints from dependencies end up next to the structured logs.
func redirectStdio(target *os.File) error {
	for _, fd := range []*os.File{os.Stdout, os.Stderr} {
		if err := unix.Dup2(int(target.Fd()), int(fd.Fd())); err != nil {
			return fmt.Errorf("dup %s: %w", fd.Name(), err)
		}
	}
	return nil
}

// InitSyslog returns a writer tagged with the program name.
func InitSyslog() (io.Writer, error) {
	return syslog.New(syslog.LOG_INFO|syslog.LOG_USER, "mediasync")
}
