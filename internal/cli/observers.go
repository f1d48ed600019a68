package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/mithrel/updwire/pkg/observe"
	"github.com/mithrel/updwire/pkg/record"
)

// printObserver writes each received operation to w, one line per event,
// either as plain text or JSON.
type printObserver struct {
	w      io.Writer
	asJSON bool
	txn    int
}

func newPrintObserver(w io.Writer, asJSON bool) *printObserver {
	return &printObserver{w: w, asJSON: asJSON}
}

type eventLine struct {
	Event  string         `json:"event"`
	Txn    int            `json:"txn,omitempty"`
	Record *record.Record `json:"record,omitempty"`
}

func (p *printObserver) emit(ev eventLine) error {
	if p.asJSON {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(b))
		return err
	}
	if ev.Record != nil {
		_, err := fmt.Fprintf(p.w, "%s\t%d\t%s\t%q\n", ev.Event, ev.Txn, ev.Record.Op, ev.Record.Payload)
		return err
	}
	_, err := fmt.Fprintf(p.w, "%s\t%d\n", ev.Event, ev.Txn)
	return err
}

func (p *printObserver) OnStart() error {
	p.txn++
	return p.emit(eventLine{Event: "start", Txn: p.txn})
}

func (p *printObserver) OnUpdates(updates iter.Seq[record.Record]) error {
	for rec := range updates {
		if err := p.emit(eventLine{Event: "update", Txn: p.txn, Record: &rec}); err != nil {
			return err
		}
	}
	return nil
}

func (p *printObserver) OnCommit() error {
	return p.emit(eventLine{Event: "commit", Txn: p.txn})
}

func (p *printObserver) OnCompleted() error {
	return p.emit(eventLine{Event: "completed", Txn: p.txn})
}

// teeObserver fans one dispatch out to several observers in order. The
// receiver's slot holds one observer; composition happens here, not there.
type teeObserver struct{ obs []observe.Observer[record.Record] }

func tee(obs ...observe.Observer[record.Record]) *teeObserver {
	return &teeObserver{obs: obs}
}

func (t *teeObserver) OnStart() error {
	for _, o := range t.obs {
		if err := o.OnStart(); err != nil {
			return err
		}
	}
	return nil
}

func (t *teeObserver) OnUpdates(updates iter.Seq[record.Record]) error {
	// The sequence is single-pass; collect once, replay per observer.
	var recs []record.Record
	for rec := range updates {
		recs = append(recs, rec)
	}
	for _, o := range t.obs {
		if err := o.OnUpdates(func(yield func(record.Record) bool) {
			for _, rec := range recs {
				if !yield(rec) {
					return
				}
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *teeObserver) OnCommit() error {
	for _, o := range t.obs {
		if err := o.OnCommit(); err != nil {
			return err
		}
	}
	return nil
}

func (t *teeObserver) OnCompleted() error {
	for _, o := range t.obs {
		if err := o.OnCompleted(); err != nil {
			return err
		}
	}
	return nil
}

// completionObserver wraps an observer and signals done exactly once when
// the stream completes, so the listen command can exit without a signal.
type completionObserver struct {
	inner observe.Observer[record.Record]
	done  chan struct{}
	once  sync.Once
}

func withCompletion(inner observe.Observer[record.Record]) *completionObserver {
	return &completionObserver{inner: inner, done: make(chan struct{})}
}

func (c *completionObserver) OnStart() error { return c.inner.OnStart() }

func (c *completionObserver) OnUpdates(updates iter.Seq[record.Record]) error {
	return c.inner.OnUpdates(updates)
}

func (c *completionObserver) OnCommit() error { return c.inner.OnCommit() }

func (c *completionObserver) OnCompleted() error {
	err := c.inner.OnCompleted()
	c.once.Do(func() { close(c.done) })
	return err
}

var _ observe.Observer[record.Record] = (*printObserver)(nil)
