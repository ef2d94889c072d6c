package invtx

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itemforge/invtx/log"

	"github.com/demdxx/gocast"
)

// Event is a structured coordination event (state transition, lock grant,
// deadlock resolution, sweep result).
type Event struct {
	Name   string         `json:"name"`
	TXID   string         `json:"txID"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Observer receives coordination events. Record must never block the
// coordinator: implementations buffer or drop.
type Observer interface {
	Record(event *Event)
}

const defaultObserverBuffer = 1024

// bufferedObserver drains events to the log package through a bounded
// channel. When the buffer is full the event is dropped.
type bufferedObserver struct {
	events    chan *Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newBufferedObserver(buffer int) *bufferedObserver {
	o := &bufferedObserver{
		events: make(chan *Event, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go o.drain()
	return o
}

func (o *bufferedObserver) Record(event *Event) {
	select {
	case o.events <- event:
	default:
	}
}

func (o *bufferedObserver) drain() {
	defer close(o.done)
	for {
		select {
		case event := <-o.events:
			o.emit(event)
		case <-o.quit:
			// Flush whatever is buffered, then exit.
			for {
				select {
				case event := <-o.events:
					o.emit(event)
				default:
					return
				}
			}
		}
	}
}

func (o *bufferedObserver) emit(event *Event) {
	log.Infof("event: %s, tx id: %s, %s", event.Name, event.TXID, formatFields(event.Fields))
}

// Close flushes buffered events and stops the drain goroutine. Events
// recorded after Close are dropped.
func (o *bufferedObserver) Close() {
	o.closeOnce.Do(func() {
		close(o.quit)
	})
	<-o.done
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+gocast.ToString(fields[key]))
	}
	return strings.Join(parts, ", ")
}
