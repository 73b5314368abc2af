package server

import (
	"time"

	"github.com/beevik/ntp"

	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
)

const ntpURL = "0.beevik-ntp.pool.ntp.org"
const ntpRetryDelay = 100 * time.Millisecond

// ntpServerTime attempts to reach ntp servers with delays between each
// attempt, returning the time value of the first server that answers.
func ntpServerTime(retries int) (time.Time, error) {
	t, err := ntp.Time(ntpURL)
	if err != nil && retries <= 0 {
		return t, err
	}
	if err != nil {
		time.Sleep(ntpRetryDelay)
		return ntpServerTime(retries - 1)
	}
	return t, nil
}

// checkClock compares the local wall clock against NTP. The timestamp
// oracle only needs a monotonic clock, but sources and sinks stamp wall
// time on the records they hand off, so a badly skewed clock is worth
// refusing to start on. A skew within maxSkew is logged and tolerated.
func checkClock(maxSkew time.Duration, logger logger.Logger) error {
	serverTime, err := ntpServerTime(4)
	if err != nil {
		return errors.Wrap(err, "reading ntp server time")
	}

	skew := time.Since(serverTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return errors.Errorf("wall clock is %v away from ntp time %v, more than the tolerated %v", skew, serverTime, maxSkew)
	}

	logger.Printf("wall clock within %v of ntp time", skew)
	return nil
}
