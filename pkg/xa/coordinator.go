// Package xa drives two-phase commit across independent engine
// instances. Participants share a timestamp issued by the shared
// oracle; the coordinator's PersistReferences call is the point of no
// return, after which commit is retried until every participant
// acknowledges.
package xa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strategist922/troups/pkg/engine"
	"github.com/strategist922/troups/pkg/tso"
)

// Participant is a group's local slice of a distributed transaction.
// *engine.TransactionManager with the XA policy implements it.
type Participant interface {
	Join(tid tso.Timestamp) (engine.XID, error)
	Prepare(tid tso.Timestamp) error
	Commit(tid tso.Timestamp) error
	CommitOnePhase(tid tso.Timestamp) error
	Abort(tid tso.Timestamp) error
}

// State is the coordinator's protocol position.
type State int

const (
	StateInit State = iota
	StateEnlisting
	StatePreparing
	StateCommitting
	StateAborting
	StateCommitted
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEnlisting:
		return "enlisting"
	case StatePreparing:
		return "preparing"
	case StateCommitting:
		return "committing"
	case StateAborting:
		return "aborting"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

type enlistment struct {
	group       string
	participant Participant
	xid         engine.XID
}

// Coordinator manages one distributed transaction.
type Coordinator struct {
	id      string
	logger  zerolog.Logger
	oracle  tso.SharedOracle
	timeout time.Duration

	mu           sync.Mutex
	state        State
	tid          tso.Timestamp
	participants map[string]*enlistment
}

// Options configures a Coordinator.
type Options struct {
	Logger zerolog.Logger
	// Timeout bounds the prepare and abort fan-outs. Zero means 30
	// seconds. The commit fan-out is bounded only by the caller's
	// context.
	Timeout time.Duration
}

// NewCoordinator creates a coordinator for one distributed transaction.
func NewCoordinator(oracle tso.SharedOracle, opts Options) *Coordinator {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	id := uuid.NewString()
	return &Coordinator{
		id:           id,
		logger:       opts.Logger.With().Str("component", "xa-coordinator").Str("coordinator_id", id).Logger(),
		oracle:       oracle,
		timeout:      timeout,
		participants: make(map[string]*enlistment),
	}
}

// ResumeCoordinator builds a replacement coordinator for an existing
// shared timestamp, typically after the original coordinator died.
// Resolve finishes the protocol from the durable decision record.
func ResumeCoordinator(oracle tso.SharedOracle, tid tso.Timestamp, participants map[string]Participant, opts Options) *Coordinator {
	c := NewCoordinator(oracle, opts)
	c.tid = tid
	c.state = StatePreparing
	for group, p := range participants {
		c.participants[group] = &enlistment{group: group, participant: p}
	}
	return c
}

// TID returns the shared timestamp, zero before Begin.
func (c *Coordinator) TID() tso.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tid
}

// GetState returns the coordinator's protocol position.
func (c *Coordinator) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin acquires the shared timestamp for the distributed transaction.
func (c *Coordinator) Begin() (tso.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInit {
		return 0, ErrAlreadyBegun
	}
	tid, err := c.oracle.AcquireShared()
	if err != nil {
		return 0, fmt.Errorf("shared timestamp acquisition failed: %w", err)
	}
	c.tid = tid
	c.state = StateEnlisting
	c.logger.Debug().Uint64("tid", uint64(tid)).Msg("distributed transaction begun")
	return tid, nil
}

// Enlist joins a participant group into the transaction.
func (c *Coordinator) Enlist(group string, p Participant) error {
	c.mu.Lock()
	if c.state != StateEnlisting {
		c.mu.Unlock()
		return fmt.Errorf("cannot enlist in state %s", c.state)
	}
	if _, exists := c.participants[group]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrParticipantEnlisted, group)
	}
	tid := c.tid
	c.mu.Unlock()

	xid, err := p.Join(tid)
	if err != nil {
		return fmt.Errorf("join of group %s failed: %w", group, err)
	}

	c.mu.Lock()
	c.participants[group] = &enlistment{group: group, participant: p, xid: xid}
	c.mu.Unlock()
	c.logger.Debug().Str("group", group).Uint64("ref", uint64(xid.Ref)).Msg("participant enlisted")
	return nil
}

// Commit runs the full protocol: prepare fan-out, durable decision,
// commit fan-out retried until every participant acknowledges, shared
// release. A single participant degenerates to one-phase commit. Any
// vote failure aborts everywhere.
func (c *Coordinator) Commit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateEnlisting {
		c.mu.Unlock()
		if c.state == StateCommitted || c.state == StateAborted {
			return ErrAlreadyDecided
		}
		return ErrNotBegun
	}
	if len(c.participants) == 0 {
		c.mu.Unlock()
		return ErrNoParticipants
	}
	tid := c.tid
	enlistments := c.snapshotLocked()
	single := len(enlistments) == 1
	c.state = StatePreparing
	c.mu.Unlock()

	if single {
		return c.commitOnePhase(tid, enlistments[0])
	}

	if err := c.prepareAll(ctx, tid, enlistments); err != nil {
		c.logger.Warn().Err(err).Msg("prepare phase failed; aborting")
		if aerr := c.Abort(ctx); aerr != nil {
			c.logger.Error().Err(aerr).Msg("abort fan-out after failed prepare reported errors")
		}
		return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
	}

	// Point of no return: the decision record survives any crash.
	refs := make([]tso.Reference, 0, len(enlistments))
	for _, e := range enlistments {
		refs = append(refs, e.xid.Ref)
	}
	if err := c.oracle.PersistReferences(tid, refs); err != nil {
		c.logger.Warn().Err(err).Msg("decision persistence failed; aborting")
		if aerr := c.Abort(ctx); aerr != nil {
			c.logger.Error().Err(aerr).Msg("abort fan-out after failed decision reported errors")
		}
		return fmt.Errorf("decision persistence failed: %w", err)
	}

	c.mu.Lock()
	c.state = StateCommitting
	c.mu.Unlock()

	if err := c.commitAll(ctx, tid, enlistments); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateCommitted
	c.mu.Unlock()
	c.logger.Debug().Uint64("tid", uint64(tid)).Msg("distributed transaction committed")

	if err := c.oracle.ReleaseShared(tid); err != nil {
		return fmt.Errorf("shared release failed: %w", err)
	}
	return nil
}

func (c *Coordinator) commitOnePhase(tid tso.Timestamp, e *enlistment) error {
	err := e.participant.CommitOnePhase(tid)
	c.mu.Lock()
	if err != nil {
		c.state = StateAborted
	} else {
		c.state = StateCommitted
	}
	c.mu.Unlock()
	if err != nil {
		_ = c.oracle.ReleaseShared(tid)
		return fmt.Errorf("one-phase commit of group %s failed: %w", e.group, err)
	}
	return c.oracle.ReleaseShared(tid)
}

// prepareAll fans the prepare vote out to all participants in parallel.
func (c *Coordinator) prepareAll(ctx context.Context, tid tso.Timestamp, enlistments []*enlistment) error {
	prepareCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type vote struct {
		group string
		err   error
	}
	results := make(chan vote, len(enlistments))
	var wg sync.WaitGroup

	for _, e := range enlistments {
		wg.Add(1)
		go func(e *enlistment) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- e.participant.Prepare(tid) }()
			select {
			case err := <-done:
				results <- vote{group: e.group, err: err}
			case <-prepareCtx.Done():
				results <- vote{group: e.group, err: prepareCtx.Err()}
			}
		}(e)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for v := range results {
		if v.err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", v.group, v.err))
		}
	}
	return errors.Join(errs...)
}

// commitAll fans the commit decision out, retrying each participant
// until it acknowledges or the context ends. A participant that no
// longer knows the transaction already finished it.
func (c *Coordinator) commitAll(ctx context.Context, tid tso.Timestamp, enlistments []*enlistment) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(enlistments))

	for _, e := range enlistments {
		wg.Add(1)
		go func(e *enlistment) {
			defer wg.Done()
			for {
				err := e.participant.Commit(tid)
				if err == nil || errors.Is(err, engine.ErrNoSuchTransaction) {
					return
				}
				c.logger.Warn().Err(err).Str("group", e.group).Msg("commit delivery failed; retrying")
				select {
				case <-ctx.Done():
					errs <- fmt.Errorf("group %s: %w", e.group, ctx.Err())
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
		}(e)
	}

	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// Abort fans the abort decision out to all participants and releases
// the shared timestamp. Errors during abort are collected but the
// timestamp is always released.
func (c *Coordinator) Abort(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateCommitted {
		c.mu.Unlock()
		return ErrAlreadyDecided
	}
	tid := c.tid
	enlistments := c.snapshotLocked()
	c.state = StateAborting
	c.mu.Unlock()

	if tid == 0 {
		return ErrNotBegun
	}

	abortCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(enlistments))
	for _, e := range enlistments {
		wg.Add(1)
		go func(e *enlistment) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- e.participant.Abort(tid) }()
			select {
			case err := <-done:
				if err != nil && !errors.Is(err, engine.ErrNoSuchTransaction) {
					errs <- fmt.Errorf("group %s: %w", e.group, err)
				}
			case <-abortCtx.Done():
				errs <- fmt.Errorf("group %s: %w", e.group, abortCtx.Err())
			}
		}(e)
	}
	wg.Wait()
	close(errs)

	c.mu.Lock()
	c.state = StateAborted
	c.mu.Unlock()

	if err := c.oracle.ReleaseShared(tid); err != nil {
		c.logger.Warn().Err(err).Uint64("tid", uint64(tid)).Msg("shared release failed")
	}

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// Resolve finishes the protocol from the durable decision record: with
// a persisted decision the commit fan-out is re-driven, otherwise every
// participant is aborted.
func (c *Coordinator) Resolve(ctx context.Context) error {
	c.mu.Lock()
	tid := c.tid
	enlistments := c.snapshotLocked()
	c.mu.Unlock()

	if tid == 0 {
		return ErrNotBegun
	}

	if _, decided := c.oracle.PersistedReferences(tid); decided {
		c.logger.Info().Uint64("tid", uint64(tid)).Msg("decision record found; re-driving commit")
		c.mu.Lock()
		c.state = StateCommitting
		c.mu.Unlock()
		if err := c.commitAll(ctx, tid, enlistments); err != nil {
			return err
		}
		c.mu.Lock()
		c.state = StateCommitted
		c.mu.Unlock()
		return c.oracle.ReleaseShared(tid)
	}

	c.logger.Info().Uint64("tid", uint64(tid)).Msg("no decision record; aborting")
	return c.Abort(ctx)
}

func (c *Coordinator) snapshotLocked() []*enlistment {
	out := make([]*enlistment, 0, len(c.participants))
	for _, e := range c.participants {
		out = append(out, e)
	}
	return out
}
