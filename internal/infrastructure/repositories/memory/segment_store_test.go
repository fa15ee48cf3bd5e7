package memory

import (
	"testing"

	"rillcap/internal/core/ports"
	"rillcap/internal/infrastructure/repositories/storetest"
)

func TestMemorySegmentStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.SegmentStore {
		return NewMemorySegmentStore()
	})
}
