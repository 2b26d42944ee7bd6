package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// BadgerLogrusAdapter implements the badger.Logger interface on top of logrus.
// Badger reports routine compaction and replay progress at info level, so info is demoted to debug.
type BadgerLogrusAdapter struct {
	*logrus.Entry
}

// NewBadgerLogrusAdapter creates a new adapter
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry}
}

// Errorf logs an error message
func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{}) { l.Entry.Errorf(f, v...) }

// Warningf logs a warning message
func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warningf(f, v...) }

// Infof logs at debug level
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{}) { l.Entry.Debugf(f, v...) }

// Debugf logs at trace level
func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{}) { l.Entry.Tracef(f, v...) }

// MongoLogSink implements the mongo driver's options.LogSink on top of logrus
type MongoLogSink struct {
	entry *logrus.Entry
}

// NewMongoLogSink creates a sink for options.Logger().SetSink
func NewMongoLogSink(entry *logrus.Entry) *MongoLogSink {
	return &MongoLogSink{entry: entry}
}

// Info logs a driver message. Driver level 1 is info, anything above is debug.
func (s *MongoLogSink) Info(level int, message string, keysAndValues ...interface{}) {
	e := s.entry.WithFields(pairs(keysAndValues))
	if level <= 1 {
		e.Info(message)
		return
	}
	e.Debug(message)
}

// Error logs a driver error
func (s *MongoLogSink) Error(err error, message string, keysAndValues ...interface{}) {
	s.entry.WithFields(pairs(keysAndValues)).WithError(err).Error(message)
}

// pairs turns the driver's alternating key/value list into logrus fields
func pairs(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
