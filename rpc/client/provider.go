package client

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/cenkalti/backoff/v5"
)

// run connects, runs the handshake and the read loop, and reconnects with
// exponential backoff until the facade is closed or a terminal error occurs.
func (f *Facade) run(ctx context.Context) {
	defer close(f.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.config.InitialBackoff
	bo.MaxInterval = f.config.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.Reset()

	for attempt := 1; ; attempt++ {
		synced, err := f.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if syncerr.KindOf(err).Terminal() {
			f.fail(err)
			return
		}
		if synced {
			bo.Reset()
			attempt = 0
		}

		wait := bo.NextBackOff()
		Logger.Infof("%s: connection lost (%v), reconnecting in %s (attempt %d)", f, err, wait.Round(time.Millisecond), attempt)

		f.mu.Lock()
		f.setStateLocked(StateReconnecting)
		f.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connectOnce runs one connection until it is lost. It reports whether the
// handshake completed.
func (f *Facade) connectOnce(ctx context.Context) (synced bool, err error) {
	timeout := time.Duration(f.config.TimeoutSecond) * time.Second

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := f.transport.Dial(dialCtx, f.config.Endpoint)
	cancel()
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	if ctx.Err() != nil {
		f.mu.Unlock()
		_ = conn.Close()
		return false, ctx.Err()
	}
	f.conn = conn
	f.sentStep2, f.gotStep2, f.bootstrap = false, false, false
	if f.state == StateConnecting {
		f.setStateLocked(StateHandshaking)
	}
	f.sendLocked(common.NewAuthRequest(f.docID, f.config.Token, uint64(f.clientID)))
	f.sendLocked(common.NewSyncStep1(f.docID, f.doc.StateVector().Encode()))
	f.mu.Unlock()

	// a handshake that does not finish in time is treated like a lost connection
	handshakeTimer := time.AfterFunc(timeout, func() {
		f.mu.Lock()
		stuck := f.conn == conn && f.state != StateSynced
		f.mu.Unlock()
		if stuck {
			Logger.Warningf("%s: handshake timed out after %s", f, timeout)
			_ = conn.Close()
		}
	})

	defer func() {
		handshakeTimer.Stop()
		f.mu.Lock()
		synced = synced || f.state == StateSynced
		f.conn = nil
		f.sentStep2, f.gotStep2 = false, false
		f.dropRemoteAwarenessLocked()
		f.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			return synced, err
		}
		var msg common.Message
		if err := f.serializer.Deserialize(data, &msg); err != nil {
			Logger.Warningf("%s: undecodable message: %v", f, err)
			continue
		}
		if msg.DocID != f.docID {
			Logger.Debugf("%s: ignoring %s for room %q", f, msg.MsgType, msg.DocID)
			continue
		}
		if err := f.handle(&msg); err != nil {
			return synced, err
		}
	}
}

// handle processes one message from the server. A returned error ends the
// connection.
func (f *Facade) handle(msg *common.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch msg.MsgType {
	case common.MsgTAuthOk:
		f.bootstrap = msg.Ok

	case common.MsgTAuthRejected:
		err := msg.AsError()
		Logger.Warningf("%s: handshake rejected: %v", f, err)
		return err

	case common.MsgTSyncStep1:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			return fmt.Errorf("server state vector: %w", err)
		}
		f.sendLocked(common.NewSyncStep2(f.docID, f.doc.DeltaSince(sv)))
		f.sentStep2 = true
		f.checkSyncedLocked()

	case common.MsgTSyncStep2:
		f.applyRemoteLocked(msg.Payload)
		f.gotStep2 = true
		f.checkSyncedLocked()

	case common.MsgTUpdate:
		f.applyRemoteLocked(msg.Payload)

	case common.MsgTAwareness:
		entries, err := awareness.DecodeEntries(msg.Payload)
		if err != nil {
			Logger.Warningf("%s: corrupt awareness: %v", f, err)
			return nil
		}
		// the own entry is authoritative locally
		remote := entries[:0]
		for _, e := range entries {
			if e.ClientID != f.clientID {
				remote = append(remote, e)
			}
		}
		f.notifyAwarenessLocked(f.aw.ApplyAll(remote, time.Now()))

	case common.MsgTError:
		err := msg.AsError()
		if syncerr.KindOf(err).Terminal() {
			return err
		}
		Logger.Warningf("%s: server reported: %v", f, err)

	default:
		Logger.Warningf("%s: unexpected message %s", f, msg.MsgType)
	}
	return nil
}

// applyRemoteLocked merges an update from the server. Corrupt updates are
// dropped, the next handshake repairs anything that was lost.
func (f *Facade) applyRemoteLocked(payload []byte) {
	novel, err := f.doc.ApplyRemote(payload)
	if err != nil {
		Logger.Warningf("%s: dropping corrupt update: %v", f, err)
		return
	}
	if novel == 0 {
		return
	}
	u := crdt.Update(payload)
	handlers := f.onRemote
	f.emit(func() {
		for _, h := range handlers {
			h(u)
		}
	})
}

// checkSyncedLocked completes the handshake once both steps are done.
func (f *Facade) checkSyncedLocked() {
	if !f.sentStep2 || !f.gotStep2 || f.state == StateSynced {
		return
	}
	f.setStateLocked(StateSynced)
	Logger.Infof("%s: synced (%d characters)", f, f.doc.Len())

	// the server dropped our awareness entry with the last connection
	if entry, ok := f.aw.Touch(f.clientID, time.Now()); ok {
		f.sendAwarenessLocked(entry)
	}
	f.sendLocked(common.NewQueryAwareness(f.docID))
	f.maybeBootstrapLocked()

	handlers := f.onSynced
	f.emit(func() {
		for _, h := range handlers {
			h()
		}
	})
}

// fail closes the facade because of a terminal error.
func (f *Facade) fail(err error) {
	Logger.Errorf("%s: giving up: %v", f, err)
	f.mu.Lock()
	f.err = err
	f.setStateLocked(StateClosed)
	f.mu.Unlock()
}
