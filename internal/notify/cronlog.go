package notify

import (
	"github.com/robfig/cron/v3"

	appLog "doit/internal/log"
)

type cronLogger struct{}

// CronLogger routes cron runner messages into the application log. Cron's
// own info messages are chatty, so they go to DEBUG.
func CronLogger() cron.Logger { return cronLogger{} }

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
