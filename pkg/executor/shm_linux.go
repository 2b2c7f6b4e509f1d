// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package executor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/greyfuzz/greyfuzz/pkg/cover"
)

// shmSegment is a System V shared memory segment holding the coverage map.
// A fresh segment is created for every execution and removed right after the
// bitmap is read, so a crashed engine cannot leak segments past the session.
type shmSegment struct {
	id  int
	mem []byte
}

func createShm(size int) (*shmSegment, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("shmget failed: %w", err)
	}
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		// Mark for removal even though we never attached,
		// otherwise the segment outlives the process.
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, fmt.Errorf("shmat failed: %w", err)
	}
	return &shmSegment{id: id, mem: mem}, nil
}

func (shm *shmSegment) read() (cover.Bitmap, error) {
	if shm.mem == nil {
		return nil, fmt.Errorf("segment already closed")
	}
	return cover.FromRaw(shm.mem).Copy(), nil
}

func (shm *shmSegment) close() {
	if shm.mem != nil {
		unix.SysvShmDetach(shm.mem)
		shm.mem = nil
	}
	unix.SysvShmCtl(shm.id, unix.IPC_RMID, nil)
}
