package util

import (
	"time"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// CheckBallpark accepts a client-asserted timestamp when it falls inside
// [now-late, now+early]. The asymmetry (late > early) tolerates slow uploads
// more than future-dated clocks.
func CheckBallpark(clientTs, serverNow types.Timestamp) error {
	early := global.Conf.Ballpark.EarlyOffset
	late := global.Conf.Ballpark.LateOffset
	if early == 0 {
		early = 300
	}
	if late == 0 {
		late = 320
	}
	min := serverNow.Add(-time.Duration(late) * time.Second)
	max := serverNow.Add(time.Duration(early) * time.Second)
	if clientTs < min || clientTs > max {
		return &types.TimestampOutOfBallparkError{
			ClientTimestamp:           clientTs,
			ServerTimestamp:           serverNow,
			BallparkClientEarlyOffset: early,
			BallparkClientLateOffset:  late,
		}
	}
	return nil
}
