package commons

import (
	"github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"
)

// SetupSentry enables error reporting when dsn is not empty.
func SetupSentry(dsn string, release string) error {
	if dsn == "" {
		log.Debug("[Main] No Sentry DSN configured, error reporting disabled")
		return nil
	}
	if err := raven.SetDSN(dsn); err != nil {
		return err
	}
	raven.SetRelease(release)
	return nil
}

// ReportError logs err and forwards it to Sentry.
func ReportError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	log.Error(err.Error())
	raven.CaptureError(err, tags)
}
