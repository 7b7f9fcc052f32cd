package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

//Logger interface that allows abstracting away the concrete logger implementation we are using
type Logger interface {
	//Fatal causes the application to terminate with the given error message
	Fatal(args ...interface{})
	//Fatalf causes the application to terminate with the given error message
	Fatalf(format string, args ...interface{})
	//Error logs a message at ERROR level on the default logger
	Error(args ...interface{})
	//Errorf logs a message at ERROR level on the default logger
	Errorf(format string, args ...interface{})
	//Warnf logs a message at WARN level on the default logger
	Warnf(format string, args ...interface{})
	//Infof logs a message at INFO level on the default logger
	Infof(format string, args ...interface{})
	//Debugf logs a message at DEBUG level on the default logger
	Debugf(format string, args ...interface{})
	//WithComponent returns a logger that tags every entry with the given component name
	WithComponent(name string) Logger
}

//Component names used to tag log entries
const (
	ComponentSession      = "session"
	ComponentRegistry     = "registry"
	ComponentSubscription = "subscription"
	ComponentRecording    = "recording"
	ComponentAPI          = "api"
	ComponentDatabase     = "database"
	ComponentMessaging    = "messaging"
)

//NewLogger instantiates a new logger and returns it
func NewLogger() Logger {
	log.SetFormatter(&log.JSONFormatter{})

	if lvl, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if level, err := log.ParseLevel(lvl); err == nil {
			log.SetLevel(level)
		}
	}

	return &logger{entry: log.NewEntry(log.StandardLogger())}
}

type logger struct {
	entry *log.Entry
}

func (l *logger) WithComponent(name string) Logger {
	return &logger{entry: l.entry.WithField("component", name)}
}

func (l *logger) Error(args ...interface{}) {
	l.entry.Error(args...)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logger) Fatal(args ...interface{}) {
	l.entry.Fatal(args...)
}

func (l *logger) Fatalf(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

func (l *logger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}
