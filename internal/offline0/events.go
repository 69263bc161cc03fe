package offline0

import (
	"context"
	"fmt"
	"net/http"

	"offline0/internal/lifecycle"
	"offline0/internal/notify"
	"offline0/internal/replay"
)

// Event is one typed record handed to the Dispatcher.
type Event interface {
	kind() string
}

type InstallEvent struct{ Version lifecycle.Version }

type ActivateEvent struct{}

// FetchEvent carries an intercepted request and where to write its answer.
type FetchEvent struct {
	W http.ResponseWriter
	R *http.Request
}

type SyncEvent struct{ Tag string }

// PushEvent carries the push payload; Data is nil when the message had none.
type PushEvent struct{ Data []byte }

type NotificationClickEvent struct {
	ID     uint64
	Action string
}

type MessageEvent struct{ Type string }

func (InstallEvent) kind() string           { return "install" }
func (ActivateEvent) kind() string          { return "activate" }
func (FetchEvent) kind() string             { return "fetch" }
func (SyncEvent) kind() string              { return "sync" }
func (PushEvent) kind() string              { return "push" }
func (NotificationClickEvent) kind() string { return "notificationclick" }
func (MessageEvent) kind() string           { return "message" }

// SyncOutcome is the result of a SyncEvent. Ignored is set for unknown tags.
type SyncOutcome struct {
	Ignored bool `json:"ignored,omitempty"`
	replay.Result
}

// MessageOutcome is the result of a MessageEvent.
type MessageOutcome struct {
	Handled bool `json:"handled"`
}

// Dispatch routes ev to the one component that handles its kind. The
// concrete result type depends on the event:
//
//	InstallEvent, ActivateEvent, FetchEvent  nil
//	SyncEvent                                SyncOutcome
//	PushEvent                                notify.Notification
//	NotificationClickEvent                   notify.Click
//	MessageEvent                             MessageOutcome
func (s *Service) Dispatch(ctx context.Context, ev Event) (any, error) {
	switch e := ev.(type) {
	case InstallEvent:
		return nil, s.lifecycle.Install(ctx, e.Version)
	case ActivateEvent:
		return nil, s.lifecycle.Activate(ctx)
	case FetchEvent:
		s.interceptor.ServeHTTP(e.W, e.R)
		return nil, nil
	case SyncEvent:
		return s.handleSync(ctx, e)
	case PushEvent:
		n, err := s.notifications.Push(ctx, e.Data)
		if err == nil {
			s.metrics.IncNotification()
		}
		return n, err
	case NotificationClickEvent:
		return s.notifications.Click(ctx, e.ID, e.Action)
	case MessageEvent:
		return s.handleMessage(ctx, e)
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
}

func (s *Service) handleSync(ctx context.Context, e SyncEvent) (SyncOutcome, error) {
	if e.Tag != s.cfg.Sync.Tag {
		s.log.Debug("sync tag ignored", "tag", e.Tag)
		return SyncOutcome{Ignored: true}, nil
	}
	s.log.Info("background sync triggered", "tag", e.Tag)
	res, err := s.replayer.Run(ctx)
	s.refreshQueueDepth(ctx)
	if err != nil {
		s.log.Error("replay offline submissions", "err", err)
		return SyncOutcome{}, err
	}
	return SyncOutcome{Result: res}, nil
}

func (s *Service) handleMessage(ctx context.Context, e MessageEvent) (MessageOutcome, error) {
	if e.Type != s.cfg.Sync.InitMessage {
		return MessageOutcome{}, nil
	}
	if err := s.queue.Initialize(ctx); err != nil {
		s.log.Error("initialize queue store", "err", err)
		return MessageOutcome{}, err
	}
	s.log.Info("queue store initialized")
	s.refreshQueueDepth(ctx)
	return MessageOutcome{Handled: true}, nil
}

func (s *Service) refreshQueueDepth(ctx context.Context) {
	n, err := s.queue.Len(ctx)
	if err != nil {
		return
	}
	s.metrics.SetQueueDepth(n)
	if s.stats != nil {
		s.stats.SetQueueDepth(n)
	}
}
