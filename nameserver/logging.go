package nameserver

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// SetLogger replaces the package logger. Call before NewNameServer.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}
