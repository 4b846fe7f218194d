package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// dummyWorker periodically broadcasts dummy envelopes so an observer of
// any peer's link sees traffic whether or not anyone is talking. It
// wakes every [interval, interval+jitter] and sends only while at least
// one peer is connected.
func (r *Relay) dummyWorker() {
	defer r.wg.Done()

	for {
		wait := r.dummyInterval + randomJitter(r.dummyJitter)
		timer := time.NewTimer(wait)
		select {
		case <-r.haltCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if r.PeerCount() == 0 {
			continue
		}

		envelope, err := r.engine.GenerateDummy(r.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.WithFields(logrus.Fields{
				"function": "dummyWorker",
				"error":    err.Error(),
			}).Warn("Dummy generation failed")
			continue
		}

		// Dummies go to every peer; there is no source to skip.
		r.broadcast([]byte(envelope), nil)
		r.metrics.RecordDummy()

		r.logger.WithFields(logrus.Fields{
			"function":   "dummyWorker",
			"peer_count": r.PeerCount(),
		}).Debug("Dummy envelope broadcast")
	}
}

// randomJitter returns a uniform duration in [0, max). A zero max or a
// failed read just skips the jitter.
func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(buf[:]) % uint64(max))
}
