package kernel

import (
	"os"
	"syscall"
	"time"
)

// fileAtime returns the access time of fi. Linux exposes it through the
// underlying Stat_t; the kernelspec launch path uses it to confirm the
// kernel has read its connection file.
func fileAtime(fi os.FileInfo) (time.Time, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(st.Atim.Sec, st.Atim.Nsec), true
}
