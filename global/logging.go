package global

import (
	"os"

	"github.com/go-kit/log"
)

// Logger is the process-wide structured logger. Logfmt on stderr so the
// output stays grep-able under any process supervisor.
var Logger log.Logger

func init() {
	w := log.NewSyncWriter(os.Stderr)
	Logger = log.With(log.NewLogfmtLogger(w), "ts", log.DefaultTimestampUTC)
}
