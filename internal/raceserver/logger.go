package raceserver

import "github.com/sirupsen/logrus"

// Logger is the logging interface used throughout the race server.
// *logrus.Logger and *logrus.Entry both satisfy it.
type Logger = logrus.FieldLogger
