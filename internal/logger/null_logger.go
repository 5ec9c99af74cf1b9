package logger

import "github.com/sirupsen/logrus"

// nullLogger drops everything. Engines and checkers built without a
// logger use it, as do tests.
type nullLogger struct{}

var discard Logger = nullLogger{}

// NewNullLogger returns a Logger that discards all output. Fatal does not
// exit.
func NewNullLogger() Logger { return discard }

func (n nullLogger) WithFields(map[string]interface{}) Logger { return n }
func (n nullLogger) WithField(string, interface{}) Logger     { return n }
func (n nullLogger) WithError(error) Logger                   { return n }

func (nullLogger) Debug(...interface{})             {}
func (nullLogger) Info(...interface{})              {}
func (nullLogger) Warn(...interface{})              {}
func (nullLogger) Error(...interface{})             {}
func (nullLogger) Fatal(...interface{})             {}
func (nullLogger) Log(logrus.Level, ...interface{}) {}
func (nullLogger) Debugf(string, ...interface{})    {}
func (nullLogger) Infof(string, ...interface{})     {}
func (nullLogger) Warnf(string, ...interface{})     {}
func (nullLogger) Errorf(string, ...interface{})    {}
