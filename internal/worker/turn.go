package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/retry"
	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// finishTimeout bounds the store and publish calls that end a turn, which
// run even after the turn's own context is done.
const finishTimeout = 10 * time.Second

// execution is the state of one attempt of a turn.
type execution struct {
	turn      *types.Turn
	out       strings.Builder
	streaming bool
	truncated bool
	usage     *llm.Usage
	lost      atomic.Bool
}

// partial is the output the client holds for this turn: this attempt's, or
// an earlier attempt's when this one produced nothing.
func (x *execution) partial() string {
	if x.out.Len() == 0 && x.turn.Incomplete {
		return x.turn.Result
	}
	return x.out.String()
}

func (p *Pool) process(ctx context.Context, t *types.Turn) {
	x := &execution{turn: t}
	log := p.logger.With("turn_id", t.ID, "session_id", t.SessionID, "attempt", t.Attempts)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing turn", "panic", r, "stack_trace", string(debug.Stack()))
			p.fail(ctx, x, types.KindInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	turnCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.MaxTurnDuration > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, p.cfg.MaxTurnDuration)
	}
	defer cancel()

	stopHeartbeat := p.heartbeat(turnCtx, x, cancel)
	defer stopHeartbeat()

	err := p.execute(turnCtx, x)
	stopHeartbeat()

	switch {
	case x.lost.Load():
		log.Warn("lease lost, abandoning turn")
	case err == nil:
		p.complete(ctx, x)
	case ctx.Err() != nil:
		// Shutting down: leave the lease to expire so the reaper requeues it.
		log.Warn("worker stopping, turn abandoned", "error", err)
	case errors.Is(turnCtx.Err(), context.DeadlineExceeded):
		p.fail(ctx, x, types.KindTurnTimeout, fmt.Sprintf("turn exceeded %s", p.cfg.MaxTurnDuration))
	default:
		p.handleError(ctx, x, err)
	}
}

// heartbeat extends the lease every third of its TTL until stopped. On a
// lost lease it marks the execution and cancels the turn.
func (p *Pool) heartbeat(ctx context.Context, x *execution, cancel context.CancelFunc) func() {
	interval := p.queue.Options().LeaseTTL / 3
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.queue.Extend(ctx, x.turn)
				switch {
				case err == nil:
				case errors.Is(err, store.ErrLeaseLost), errors.Is(err, store.ErrNotFound):
					x.lost.Store(true)
					cancel()
					return
				case ctx.Err() == nil:
					p.logger.Warn("lease extend failed", "turn_id", x.turn.ID, "error", err)
				}
			}
		}
	}()
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
			<-stopped
		}
	}
}

func (p *Pool) execute(ctx context.Context, x *execution) error {
	t := x.turn
	passages, err := p.retriever.Retrieve(ctx, t.Question, t.CorpusFilter)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.logger.Warn("retrieval failed, answering without context", "turn_id", t.ID, "error", err)
		passages = nil
	}

	req := llm.Request{Question: t.Question, Context: passages, History: history(t.History)}
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	deltas, err := p.provider.Stream(streamCtx, req)
	if err != nil {
		return err
	}

	for d := range deltas {
		if d.Err != nil {
			return d.Err
		}
		if d.Content != "" {
			if err := p.emit(ctx, x, passages, d.Content); err != nil {
				return err
			}
			if x.truncated {
				stopStream()
				return nil
			}
		}
		if d.Done {
			x.usage = d.Usage
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream ended without completion: %w", io.ErrUnexpectedEOF)
}

// emit forwards one delta, starting the stream on the first one.
func (p *Pool) emit(ctx context.Context, x *execution, passages []llm.Passage, text string) error {
	if x.lost.Load() {
		return store.ErrLeaseLost
	}
	t := x.turn
	reset := false
	if !x.streaming {
		if err := p.queue.MarkStreaming(ctx, t); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				x.lost.Store(true)
			}
			return err
		}
		x.streaming = true
		for _, ps := range passages {
			p.publish(ctx, types.EnvelopeCitation, t, types.CitationPayload{ID: ps.ID, Source: ps.Source, Title: ps.Title, Score: ps.Score})
		}
		// A retry after partial output tells the client to discard it.
		reset = t.Attempts > 1 && t.Incomplete
	}

	text, x.truncated = p.clip(x.out.String(), text)
	x.out.WriteString(text)
	if text != "" || reset {
		p.publish(ctx, types.EnvelopeToken, t, types.TokenPayload{Text: text, Reset: reset})
	}
	return nil
}

// clip cuts next so that sofar+next stays within the response limit and
// reports whether the limit was reached.
func (p *Pool) clip(sofar, next string) (string, bool) {
	limit := p.cfg.MaxResponseLength
	if limit <= 0 {
		return next, false
	}
	if p.cfg.LengthUnit == UnitTokens {
		return clipTokens(p.cfg.Counter, sofar, next, limit)
	}
	room := limit - utf8.RuneCountInString(sofar)
	if room <= 0 {
		return "", true
	}
	if utf8.RuneCountInString(next) < room {
		return next, false
	}
	cut := 0
	for ; room > 0; room-- {
		_, size := utf8.DecodeRuneInString(next[cut:])
		cut += size
	}
	return next[:cut], true
}

// clipTokens keeps the longest rune prefix of next for which sofar+prefix
// counts at most limit tokens.
func clipTokens(count llm.Counter, sofar, next string, limit int) (string, bool) {
	n := count(sofar + next)
	if n < limit {
		return next, false
	}
	if n == limit {
		return next, true
	}
	if count(sofar) >= limit {
		return "", true
	}
	cuts := make([]int, 0, len(next)+1)
	for i := range next {
		cuts = append(cuts, i)
	}
	cuts = append(cuts, len(next))
	// cuts[lo] always fits; cuts[hi] never does.
	lo, hi := 0, len(cuts)-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if count(sofar+next[:cuts[mid]]) <= limit {
			lo = mid
		} else {
			hi = mid
		}
	}
	return next[:cuts[lo]], true
}

func (p *Pool) complete(ctx context.Context, x *execution) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	done, err := p.queue.Complete(ctx, x.turn, x.out.String(), x.truncated)
	if err != nil {
		if !errors.Is(err, store.ErrLeaseLost) {
			p.logger.Error("completing turn", "turn_id", x.turn.ID, "error", err)
		}
		return
	}
	payload := types.CompletePayload{Text: done.Result, Truncated: done.Truncated, Attempts: done.Attempts}
	if x.usage != nil {
		payload.Usage = types.Usage{InputTokens: x.usage.InputTokens, OutputTokens: x.usage.OutputTokens}
	}
	p.publish(ctx, types.EnvelopeComplete, done, payload)
	p.logger.Info("turn complete",
		"turn_id", done.ID, "session_id", done.SessionID, "attempt", done.Attempts, "truncated", done.Truncated)
}

// handleError retries transient failures while attempts remain and fails
// the turn otherwise.
func (p *Pool) handleError(ctx context.Context, x *execution, cause error) {
	t := x.turn
	policy := p.queue.Options().Retry
	class := retry.Classify(cause)
	switch {
	case class == retry.Fatal:
		p.fail(ctx, x, types.KindProviderFatal, cause.Error())
	case policy.Exhausted(t.Attempts):
		p.fail(ctx, x, types.KindRetriesExhausted,
			fmt.Sprintf("gave up after %d attempts: %v", t.Attempts, cause))
	default:
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		delay, err := p.queue.Retry(ctx, t, cause, x.partial())
		if err != nil {
			if !errors.Is(err, store.ErrLeaseLost) {
				p.logger.Error("requeueing turn", "turn_id", t.ID, "error", err)
			}
			return
		}
		p.logger.Warn("transient provider error, turn requeued",
			"turn_id", t.ID, "session_id", t.SessionID, "attempt", t.Attempts, "delay", delay, "error", cause)
	}
}

func (p *Pool) fail(ctx context.Context, x *execution, kind types.ErrorKind, msg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	failed, err := p.queue.Fail(ctx, x.turn, kind, msg, x.partial())
	if err != nil {
		if !errors.Is(err, store.ErrLeaseLost) {
			p.logger.Error("failing turn", "turn_id", x.turn.ID, "error", err)
		}
		return
	}
	env, err := queue.FailureEnvelope(failed)
	if err != nil {
		p.logger.Error("encoding failure event", "turn_id", failed.ID, "error", err)
		return
	}
	if err := p.pub.Publish(ctx, env); err != nil {
		p.logger.Error("publishing failure event", "turn_id", failed.ID, "error", err)
	}
	p.logger.Warn("turn failed",
		"turn_id", failed.ID, "session_id", failed.SessionID, "attempt", failed.Attempts, "kind", kind)
}

func (p *Pool) publish(ctx context.Context, typ types.EnvelopeType, t *types.Turn, payload any) {
	env, err := types.NewEnvelope(typ, t.SessionID, t.ID, payload)
	if err != nil {
		p.logger.Error("encoding envelope", "turn_id", t.ID, "type", typ, "error", err)
		return
	}
	if err := p.pub.Publish(ctx, env); err != nil {
		p.logger.Error("publishing envelope", "turn_id", t.ID, "type", typ, "error", err)
	}
}

func history(msgs []types.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
