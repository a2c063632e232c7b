package stshare

import (
	"io"
	"sync"
)

// Pipe concurrently copies in both directions between two socket-like
// objects, returning after all data has been copied and both src
// and dst have been closed. When one direction reaches end-of-stream its
// write side is half-closed so protocols that rely on FIN keep working.
func Pipe(src io.ReadWriteCloser, dst io.ReadWriteCloser) (int64, int64) {
	var sent, received int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		received, _ = io.Copy(src, dst)
		whc, _ := src.(WriteHalfCloser)
		if whc != nil {
			whc.CloseWrite()
		}
		wg.Done()
	}()
	go func() {
		sent, _ = io.Copy(dst, src)
		whc, _ := dst.(WriteHalfCloser)
		if whc != nil {
			whc.CloseWrite()
		}
		wg.Done()
	}()
	wg.Wait()
	src.Close()
	dst.Close()
	return sent, received
}
