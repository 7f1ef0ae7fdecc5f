//go:build !linux

package kernel

import (
	"os"
	"time"
)

// fileAtime reports no usable access time on platforms without a
// reliable one; the launch path then skips the connection-file read
// confirmation and relies on downstream communication failures instead.
func fileAtime(fi os.FileInfo) (time.Time, bool) {
	return time.Time{}, false
}
