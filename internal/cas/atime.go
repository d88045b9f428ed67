package cas

import (
	"os"
	"time"

	"github.com/djherbis/atime"
)

// accessTime returns the last-access time recorded by the filesystem for
// info, used as a fallback ordering hint for Iter when no entry exists yet
// in the GC's dedicated access-tracker store.
func accessTime(info os.FileInfo) time.Time {
	return atime.Get(info)
}
