package cloudsave

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// logPrintf prefixes the message with the object it concerns, if any.
func logPrintf(level logrus.Level, o interface{}, text string, args ...interface{}) {
	out := fmt.Sprintf(text, args...)
	if o != nil {
		out = fmt.Sprintf("%v: %s", o, out)
	}
	switch level {
	case logrus.DebugLevel:
		logrus.Debug(out)
	case logrus.InfoLevel:
		logrus.Info(out)
	case logrus.WarnLevel:
		logrus.Warn(out)
	case logrus.ErrorLevel:
		logrus.Error(out)
	}
}

// Errorf writes error log output for this object. It should always be
// seen by the user.
func Errorf(o interface{}, text string, args ...interface{}) {
	logPrintf(logrus.ErrorLevel, o, text, args...)
}

// Logf writes notice level log output for this object.
func Logf(o interface{}, text string, args ...interface{}) {
	logPrintf(logrus.WarnLevel, o, text, args...)
}

// Infof writes info level log output for this object.
func Infof(o interface{}, text string, args ...interface{}) {
	logPrintf(logrus.InfoLevel, o, text, args...)
}

// Debugf writes debugging output for this object.
func Debugf(o interface{}, text string, args ...interface{}) {
	logPrintf(logrus.DebugLevel, o, text, args...)
}
