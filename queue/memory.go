package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/drover-mta/drover/memlimit"
	"github.com/drover-mta/drover/spool"
)

// ErrMemory is returned by Submit while the process is at its memory limit.
// Callers should tell their client to come back later.
var ErrMemory = errors.New("memory limit reached")

// Watch reacts to memory governor transitions until ctx is done. Low
// pressure sheds resident message bodies. Critical pressure additionally
// flushes the topology cache, drains the ready queues back into the
// scheduled queues and makes Submit refuse new work until pressure drops.
func (mgr *Manager) Watch(ctx context.Context, gov *memlimit.Governor) {
	states := gov.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			mgr.noteMemState(st)
		}
	}
}

func (mgr *Manager) noteMemState(st memlimit.State) {
	mgr.memState.Store(int32(st))
	switch st {
	case memlimit.StateLow:
		shed := mgr.ready.Shrink() + spool.ReleaseBodies()
		mgr.log.Info("low on memory, shed resident bodies", slog.Int("shed", shed))
	case memlimit.StateCritical:
		shed := mgr.ready.Shrink() + spool.ReleaseBodies()
		mgr.topo.Flush()
		requeued := mgr.ready.DrainAll()
		mgr.log.Error("memory limit reached, refusing submissions and draining ready queues",
			slog.Int("shed", shed),
			slog.Int("requeued", requeued),
		)
	}
}

func (mgr *Manager) memCritical() bool {
	return memlimit.State(mgr.memState.Load()) == memlimit.StateCritical
}
