//go:build unix

package keldb

import "golang.org/x/sys/unix"

// syncDir fsyncs a directory's inode so that a just-created or just-renamed
// file within it survives a crash (spec SPEC_FULL.md §4.16, A6): on most
// POSIX filesystems, fsync on a regular file does not guarantee the
// directory entry pointing to it is durable.
func syncDir(dirname string) error {
	fd, err := unix.Open(dirname, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
