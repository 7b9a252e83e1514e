package sentry

import (
	"time"

	sentry "github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Init configures the global client. An empty dsn leaves sentry disabled;
// every capture is then a no-op.
func Init(dsn, release string) error {
	if dsn == "" {
		log.Info("SENTRY_DSN not set, error reporting disabled")
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          release,
		TracesSampleRate: 1.0,
	})
}

func GetSentryGin() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{Repanic: true})
}

// ReportError captures err on the global hub, for failures outside any
// session.
func ReportError(err error) {
	sentry.CaptureException(err)
}

// Flush waits for buffered events to be sent, up to timeout.
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
