package core

import "github.com/sirupsen/logrus"

func componentLogger(l logrus.FieldLogger, component string) logrus.FieldLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", component)
}
