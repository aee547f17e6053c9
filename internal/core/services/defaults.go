package services

import (
	"context"

	"github.com/lorrc/collab-relay/internal/core/domain"
	"github.com/lorrc/collab-relay/internal/core/ports"
)

// AllowAll is the access checker used when no access store is configured.
type AllowAll struct{}

var _ ports.AccessChecker = AllowAll{}

func (AllowAll) CanJoin(context.Context, string, string) (bool, error) { return true, nil }

// NopMetrics discards all instrumentation.
type NopMetrics struct{}

var _ ports.Metrics = NopMetrics{}

func (NopMetrics) RoomOpened()                         {}
func (NopMetrics) RoomClosed()                         {}
func (NopMetrics) SessionConnected()                   {}
func (NopMetrics) SessionDisconnected()                {}
func (NopMetrics) EventRouted(domain.MessageType, int) {}
func (NopMetrics) EventDropped(string)                 {}
func (NopMetrics) JoinRejected(string)                 {}
