/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
	"golang.org/x/time/rate"
)

type LoggerTestSuite struct {
	suite.Suite
	prev int
}

func (s *LoggerTestSuite) SetupTest() {
	s.prev = Level()
}

func (s *LoggerTestSuite) TearDownTest() {
	SetLogLevel(s.prev)
}

func (s *LoggerTestSuite) TestLogColor() {
	SetLogLevel(LevelTrace)

	Internal.Tracef("this is tracef %s", "hello world")
	Internal.Infof("this is infof %s", "hello world")
	Internal.Info("this is info")
	Internal.Debugf("this is debugf %s", "hello world")
	Internal.Warnf("this is warnf %s", "hello world")
	Internal.Errorf("this is errorf %s", "hello world")
	Internal.Error("this is error")
}

func (s *LoggerTestSuite) TestLevelFilter() {
	var out bytes.Buffer
	l := New("segment", &out)

	SetLogLevel(LevelWarn)
	l.Infof("hidden %d", 1)
	l.Debugf("hidden %d", 2)
	s.Require().Zero(out.Len())

	l.Warnf("shown %d", 3)
	s.Require().Contains(out.String(), "shown 3")
	s.Require().Contains(out.String(), "Warn")
	s.Require().Contains(out.String(), "segment")
	s.Require().Contains(out.String(), "logger_test.go")
}

func (s *LoggerTestSuite) TestSetLogLevelIgnoresOutOfRange() {
	SetLogLevel(LevelInfo)
	SetLogLevel(LevelNoPrint + 1)
	s.Require().Equal(LevelInfo, Level())
	SetLogLevel(-1)
	s.Require().Equal(LevelInfo, Level())
}

func (s *LoggerTestSuite) TestLimitedWarnf() {
	var out bytes.Buffer
	l := New("queue", &out)
	SetLogLevel(LevelWarn)

	lim := rate.NewLimiter(rate.Limit(0), 1)
	for i := 0; i < 5; i++ {
		l.LimitedWarnf(lim, "saturated %d", i)
	}
	s.Require().Equal(1, strings.Count(out.String(), "saturated"))
}

func TestLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
