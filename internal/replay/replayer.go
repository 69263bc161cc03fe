// Package replay drains the offline submission queue through the network.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"offline0/internal/logging"
	"offline0/internal/queue"
)

type Queue interface {
	ListAll(ctx context.Context) ([]queue.Submission, error)
	Remove(ctx context.Context, id uint64) error
}

type Network interface {
	Do(req *http.Request) (*http.Response, error)
	Resolve(ref string) (*url.URL, error)
}

type Recorder interface {
	IncReplay(result string)
}

// Result summarizes one replay cycle.
type Result struct {
	Replayed  []uint64 `json:"replayed"`
	Failed    []uint64 `json:"failed"`
	Remaining int      `json:"remaining"`
}

type Replayer struct {
	queue Queue
	net   Network
	log   logging.Logger
	rec   Recorder
}

func New(q Queue, n Network, log logging.Logger, rec Recorder) *Replayer {
	if log == nil {
		log = logging.Discard()
	}
	return &Replayer{queue: q, net: n, log: log, rec: rec}
}

// Run replays every queued submission once, in insertion order. A failed
// submission stays queued and does not stop the batch. Only a failure to
// list the queue is returned.
func (r *Replayer) Run(ctx context.Context) (Result, error) {
	subs, err := r.queue.ListAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list submissions: %w", err)
	}

	var res Result
	for _, sub := range subs {
		if err := r.send(ctx, sub); err != nil {
			r.log.Warn("replay failed", "id", sub.ID, "method", sub.Method, "url", sub.URL, "err", err)
			res.Failed = append(res.Failed, sub.ID)
			r.record("failed")
			continue
		}
		if err := r.queue.Remove(ctx, sub.ID); err != nil {
			// Sent but still queued; it will be sent again next cycle.
			r.log.Error("remove replayed submission", "id", sub.ID, "err", err)
			res.Failed = append(res.Failed, sub.ID)
			r.record("failed")
			continue
		}
		r.log.Info("submission replayed", "id", sub.ID, "method", sub.Method, "url", sub.URL)
		res.Replayed = append(res.Replayed, sub.ID)
		r.record("replayed")
	}
	res.Remaining = len(subs) - len(res.Replayed)
	return res, nil
}

func (r *Replayer) record(result string) {
	if r.rec != nil {
		r.rec.IncReplay(result)
	}
}

func (r *Replayer) send(ctx context.Context, sub queue.Submission) error {
	u, err := r.net.Resolve(sub.URL)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", sub.URL, err)
	}
	method := sub.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if len(sub.Body) > 0 {
		body = bytes.NewReader(sub.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	for k, vs := range sub.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.net.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
