package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cheshire-cat-ai/catmesh/mesh/discovery"
	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAnnouncer struct {
	lock  sync.Mutex
	sent  []*discovery.Announcement
	fails int
}

func (a *fakeAnnouncer) Announce(ctx context.Context, data []byte) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.fails > 0 {
		a.fails--
		return errors.New("network unreachable")
	}

	ann, err := discovery.DecodeAnnouncement(data)
	if err != nil {
		return err
	}
	a.sent = append(a.sent, ann)
	return nil
}

func (a *fakeAnnouncer) count() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return len(a.sent)
}

func (a *fakeAnnouncer) last() *discovery.Announcement {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.sent[len(a.sent)-1]
}

func newTestEmitter(t *testing.T, announcer Announcer, interval time.Duration) (*Emitter, *membership.Table) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	table := membership.NewTable(membership.NodeRecord{NodeID: "self", Address: "10.0.0.1:8766"})
	return NewEmitter(EmitterOptions{
		Logger:    logger,
		Announcer: announcer,
		Table:     table,
		Interval:  interval,
	}), table
}

func runEmitter(e *Emitter) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}

func TestEmitterAnnouncesImmediately(t *testing.T) {
	announcer := &fakeAnnouncer{}
	emitter, _ := newTestEmitter(t, announcer, time.Hour)

	stop := runEmitter(emitter)
	defer stop()

	require.Eventually(t, func() bool { return announcer.count() == 1 }, time.Second, time.Millisecond)

	ann := announcer.last()
	assert.Equal(t, "self", ann.NodeID)
	assert.Equal(t, "10.0.0.1:8766", ann.Address)
}

func TestEmitterPeriodic(t *testing.T) {
	announcer := &fakeAnnouncer{}
	emitter, _ := newTestEmitter(t, announcer, 10*time.Millisecond)

	stop := runEmitter(emitter)
	defer stop()

	require.Eventually(t, func() bool { return announcer.count() >= 4 }, 2*time.Second, time.Millisecond)
}

func TestEmitterTriggerCarriesNewVersion(t *testing.T) {
	announcer := &fakeAnnouncer{}
	emitter, table := newTestEmitter(t, announcer, time.Hour)

	stop := runEmitter(emitter)
	defer stop()

	require.Eventually(t, func() bool { return announcer.count() == 1 }, time.Second, time.Millisecond)

	table.SetSelfVersion(7)
	emitter.Trigger()
	emitter.Trigger()

	require.Eventually(t, func() bool { return announcer.count() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(7), announcer.last().KnownVersion)
}

func TestEmitterSurvivesSendFailures(t *testing.T) {
	announcer := &fakeAnnouncer{fails: 3}
	emitter, _ := newTestEmitter(t, announcer, 5*time.Millisecond)

	stop := runEmitter(emitter)
	defer stop()

	require.Eventually(t, func() bool { return announcer.count() >= 2 }, 2*time.Second, time.Millisecond)
}

func TestEmitterJitterBounds(t *testing.T) {
	emitter, _ := newTestEmitter(t, &fakeAnnouncer{}, time.Second)

	for i := 0; i < 100; i++ {
		delay := emitter.nextDelay()
		assert.GreaterOrEqual(t, delay, time.Second)
		assert.LessOrEqual(t, delay, 1100*time.Millisecond)
	}
}
