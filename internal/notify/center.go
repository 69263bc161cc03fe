// Package notify turns push payloads into user notifications and routes the
// user's interaction with them.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"offline0/internal/logging"
)

// Action identifiers carried by notification clicks.
const (
	ActionExplore = "explore"
	ActionClose   = "close"

	// ActionViewDetails is accepted as a synonym of ActionExplore.
	ActionViewDetails = "view details"
)

var ErrNotFound = errors.New("notify: notification not found")

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	ID      uint64   `json:"id"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon"`
	Badge   string   `json:"badge"`
	Vibrate []int    `json:"vibrate"`
	Actions []Action `json:"actions"`
	Data    Data     `json:"data"`
	Closed  bool     `json:"closed"`
}

type Data struct {
	DateOfArrival int64 `json:"dateOfArrival"` // unix millis
	PrimaryKey    int   `json:"primaryKey"`
}

// Presentation is the fixed look of every notification.
type Presentation struct {
	Title         string
	DefaultBody   string
	Icon          string
	Badge         string
	ActionIcon    string
	Vibrate       []int
	DashboardPath string
	RootPath      string
}

func DefaultPresentation() Presentation {
	return Presentation{
		Title:         "SMA Student Management",
		DefaultBody:   "New notification from SMA",
		Icon:          "/static/images/pwa/icon-192x192.png",
		Badge:         "/static/images/pwa/icon-72x72.png",
		ActionIcon:    "/static/images/pwa/icon-96x96.png",
		Vibrate:       []int{200, 100, 200},
		DashboardPath: "/dashboard/",
		RootPath:      "/",
	}
}

// Click is the outcome of an interaction. Open is empty when the
// notification is only dismissed.
type Click struct {
	Open string `json:"open,omitempty"`
}

// Center records displayed notifications, newest last, keeping at most limit.
type Center struct {
	p     Presentation
	log   logging.Logger
	limit int

	mu     sync.Mutex
	nextID uint64
	items  []Notification

	now func() time.Time
}

func NewCenter(p Presentation, log logging.Logger, limit int) *Center {
	if log == nil {
		log = logging.Discard()
	}
	if limit <= 0 {
		limit = 100
	}
	return &Center{p: p, log: log, limit: limit, now: time.Now}
}

// Push displays a notification for a push payload. A nil payload uses the
// default body.
func (c *Center) Push(ctx context.Context, payload []byte) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	body := c.p.DefaultBody
	if payload != nil {
		body = string(payload)
	}

	n := Notification{
		Title:   c.p.Title,
		Body:    body,
		Icon:    c.p.Icon,
		Badge:   c.p.Badge,
		Vibrate: append([]int(nil), c.p.Vibrate...),
		Actions: []Action{
			{Action: ActionExplore, Title: "View Details", Icon: c.p.ActionIcon},
			{Action: ActionClose, Title: "Close", Icon: c.p.ActionIcon},
		},
		Data: Data{DateOfArrival: c.now().UnixMilli(), PrimaryKey: 1},
	}

	c.mu.Lock()
	c.nextID++
	n.ID = c.nextID
	c.items = append(c.items, n)
	if len(c.items) > c.limit {
		c.items = append([]Notification(nil), c.items[len(c.items)-c.limit:]...)
	}
	c.mu.Unlock()

	c.log.Info("notification shown", "id", n.ID, "title", n.Title, "body", n.Body)
	return n, nil
}

// Click closes the notification and decides what to open.
func (c *Center) Click(ctx context.Context, id uint64, action string) (Click, error) {
	if err := ctx.Err(); err != nil {
		return Click{}, err
	}
	c.mu.Lock()
	found := false
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Closed = true
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return Click{}, ErrNotFound
	}

	out := Route(c.p, action)
	c.log.Info("notification clicked", "id", id, "action", action, "open", out.Open)
	return out, nil
}

// Route maps a click action to the view it opens.
func Route(p Presentation, action string) Click {
	switch action {
	case ActionExplore, ActionViewDetails:
		return Click{Open: p.DashboardPath}
	case ActionClose:
		return Click{}
	default:
		return Click{Open: p.RootPath}
	}
}

// List returns displayed notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.items...)
}
