package push

import (
	"context"
	"testing"
	"time"

	"modbus-gateway/internal/engine"
)

// TestNewRedisPublisherRequiresReachableServer exercises the connect path
// against a local redis; environments without one skip rather than fail,
// matching the teacher's pattern for tests needing a real backend.
func TestNewRedisPublisherRequiresReachableServer(t *testing.T) {
	p, err := NewRedisPublisher(RedisConfig{Addr: "127.0.0.1:6379", DialTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Skipf("no local redis reachable: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.PublishSnapshot(ctx, "d1", engine.Snapshot{DeviceID: "d1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
