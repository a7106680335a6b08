package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalos-core/internal/audit"
	"signalos-core/internal/dispatch"
	"signalos-core/internal/events"
	"signalos-core/internal/monitor"
	"signalos-core/internal/parser"
	"signalos-core/internal/retry"
	"signalos-core/internal/risk"
	"signalos-core/internal/signal"
	"signalos-core/internal/state"
	"signalos-core/internal/stealth"
	"signalos-core/internal/validate"
	"signalos-core/pkg/db"
)

// Config bounds the engine's concurrency.
type Config struct {
	Workers      int
	IngestBuffer int
}

// Deps collects the stage components the engine orchestrates.
type Deps struct {
	Parser      *parser.Parser
	Validator   *validate.Validator
	Risk        *risk.Manager
	Transformer *stealth.Transformer
	StealthCfg  stealth.Config
	Dispatcher  *dispatch.Dispatcher
	Retries     *retry.Queue
	Recorder    *audit.Recorder
	States      *state.Manager
	Metrics     *monitor.PipelineMetrics
	Queries     *db.Queries
	Bus         *events.Bus
}

// reservation tracks a live exposure hold between risk approval and the
// final dispatch outcome. In-memory only; the ledger resets daily.
type reservation struct {
	pair     string
	provider string
	lots     float64
}

// Engine drives signals through parse, validate, risk, stealth and
// dispatch, and reconciles exposure once the backend answers.
type Engine struct {
	cfg    Config
	deps   Deps
	ingest *signal.Ingestor

	stealthMu  sync.RWMutex
	stealthCfg stealth.Config

	resMu        sync.Mutex
	reservations map[string]reservation // command_id -> hold
}

// rawStore adapts the query layer to the ingestor's persistence hook.
type rawStore struct {
	queries *db.Queries
}

func (s rawStore) SaveRaw(ctx context.Context, sig signal.RawSignal, signalID string) error {
	return s.queries.InsertRawSignal(ctx, db.RawSignalRow{
		SignalID:   signalID,
		ProviderID: sig.ProviderID,
		SourceID:   sig.SourceID,
		Text:       sig.Text,
		ReceivedAt: sig.ReceivedAt,
	})
}

func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	var store signal.Store
	if deps.Queries != nil {
		store = rawStore{queries: deps.Queries}
	}
	e := &Engine{
		cfg:          cfg,
		deps:         deps,
		ingest:       signal.NewIngestor(store, parser.Normalize, cfg.IngestBuffer),
		stealthCfg:   deps.StealthCfg,
		reservations: make(map[string]reservation),
	}
	if deps.Retries != nil {
		deps.Retries.OnSuccess = e.onRetrySuccess
		deps.Retries.OnDeadLetter = e.onDeadLetter
	}
	return e
}

// Start seeds state from the DB and launches the workers. Blocks only
// for the initial load.
func (e *Engine) Start(ctx context.Context) error {
	if e.deps.States != nil {
		if err := e.deps.States.Load(ctx); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
	}
	if e.deps.Retries != nil {
		e.deps.Retries.Start(ctx)
	}
	for i := 0; i < e.cfg.Workers; i++ {
		go e.ingest.Drain(ctx, func(raw signal.RawSignal) {
			e.process(ctx, raw)
		})
	}
	log.Printf("✓ pipeline started with %d workers", e.cfg.Workers)
	return nil
}

// Submit accepts one raw signal into the pipeline and returns its id.
func (e *Engine) Submit(ctx context.Context, raw signal.RawSignal) (string, error) {
	id, err := e.ingest.Submit(ctx, raw)
	if err != nil {
		return "", err
	}
	e.record(ctx, id, audit.StageIngested, "accepted",
		fmt.Sprintf("provider %s, source %s", raw.ProviderID, raw.SourceID))
	e.publish(events.EventSignalReceived, id, audit.StageIngested, "accepted", "")
	return id, nil
}

// StealthConfig returns the active stealth settings.
func (e *Engine) StealthConfig() stealth.Config {
	e.stealthMu.RLock()
	defer e.stealthMu.RUnlock()
	return e.stealthCfg
}

// SetStealthConfig swaps stealth settings between signals.
func (e *Engine) SetStealthConfig(cfg stealth.Config) {
	e.stealthMu.Lock()
	e.stealthCfg = cfg
	e.stealthMu.Unlock()
}

// Backlog reports queued, not yet processed signals.
func (e *Engine) Backlog() int { return e.ingest.Backlog() }

func (e *Engine) process(ctx context.Context, raw signal.RawSignal) {
	timer := e.timer(func(m *monitor.PipelineMetrics) *monitor.LatencyHistogram { return m.ParseLatency })
	parsed := e.deps.Parser.Parse(raw)
	timer()

	detail := fmt.Sprintf("%s %s, confidence %.2f", parsed.Action, parsed.Pair, parsed.Confidence)
	e.record(ctx, parsed.SignalID, audit.StageParsed, "ok", detail)
	e.publish(events.EventSignalParsed, parsed.SignalID, audit.StageParsed, "ok", detail)
	e.setStatus(parsed.SignalID, audit.StageParsed, "ok", detail)

	if res := e.deps.Validator.Validate(parsed); !res.OK {
		reason := strings.Join(res.Reasons, "; ")
		e.reject(ctx, parsed.SignalID, audit.StageValidated, reason)
		return
	}
	e.record(ctx, parsed.SignalID, audit.StageValidated, "ok", "")

	dec := e.deps.Risk.Evaluate(parsed)
	reasons := strings.Join(dec.Reasons, "; ")
	e.record(ctx, parsed.SignalID, audit.StageRisk, string(dec.Verdict), reasons)
	e.publish(events.EventRiskDecision, parsed.SignalID, audit.StageRisk, string(dec.Verdict), reasons)
	if dec.Rejected() {
		e.reject(ctx, parsed.SignalID, audit.StageRisk, reasons)
		return
	}

	cmd := e.buildCommand(parsed, dec)
	if parsed.Action.IsEntry() {
		e.holdReservation(cmd.CommandID, reservation{
			pair:     parsed.Pair,
			provider: raw.ProviderID,
			lots:     dec.AdjustedLot,
		})
	}

	if parsed.Action == signal.ActionCancel && e.cancelPending(ctx, cmd) {
		return
	}

	e.dispatch(ctx, cmd)
}

// buildCommand materializes the execution command, applying the stealth
// transform last so the persisted payload is exactly what goes out.
func (e *Engine) buildCommand(p signal.ParsedSignal, dec risk.Decision) dispatch.ExecutionCommand {
	cmd := dispatch.ExecutionCommand{
		CommandID:   uuid.NewString(),
		SignalID:    p.SignalID,
		ProviderID:  p.Raw.ProviderID,
		Action:      p.Action,
		Pair:        p.Pair,
		LotSize:     dec.AdjustedLot,
		Entry:       p.Entry,
		StopLoss:    p.StopLoss,
		TakeProfits: p.TakeProfits,
		Comment:     fmt.Sprintf("sig:%s", shortID(p.SignalID)),
		TicketRef:   p.TicketRef,
		IssuedAt:    time.Now().UTC(),
	}
	if !p.Action.IsEntry() {
		cmd.LotSize = p.LotSize
	}

	scfg := e.StealthConfig()
	cmd = e.deps.Transformer.Apply(cmd, scfg)
	if cmd.StealthApplied {
		e.record(context.Background(), p.SignalID, audit.StageStealth, "applied", "")
	}
	return cmd
}

// cancelPending intercepts CANCEL commands whose target is still waiting
// in the retry queue. Returns true when the cancellation was absorbed
// locally and nothing needs to reach the backend.
func (e *Engine) cancelPending(ctx context.Context, cmd dispatch.ExecutionCommand) bool {
	if e.deps.Retries == nil || e.deps.States == nil {
		return false
	}
	target, ok := e.deps.States.CommandForTicket(cmd.TicketRef)
	if !ok {
		return false
	}
	cleared, err := e.deps.Retries.Cancel(ctx, target)
	if err != nil {
		log.Printf("⚠️ cancel check for ticket %s failed: %v", cmd.TicketRef, err)
		return false
	}
	if !cleared {
		return false
	}
	// The pending order never reached the backend; nothing to send.
	e.releaseReservation(target)
	e.deps.States.ReleaseTicket(cmd.TicketRef)
	if e.deps.Queries != nil {
		if err := e.deps.Queries.UpdateCommandStatus(ctx, target, db.CommandStatusCancelled, ""); err != nil {
			log.Printf("⚠️ mark cancelled failed for %s: %v", target, err)
		}
	}
	e.record(ctx, cmd.SignalID, audit.StageCancelled, "cleared", fmt.Sprintf("pending command %s cancelled before dispatch", shortID(target)))
	e.setStatus(cmd.SignalID, audit.StageCancelled, "cleared", "")
	return true
}

func (e *Engine) dispatch(ctx context.Context, cmd dispatch.ExecutionCommand) {
	if e.deps.Queries != nil {
		payload, err := json.Marshal(cmd)
		if err != nil {
			log.Printf("❌ encode command %s: %v", shortID(cmd.CommandID), err)
			e.releaseReservation(cmd.CommandID)
			return
		}
		row := db.CommandRow{
			CommandID:      cmd.CommandID,
			SignalID:       cmd.SignalID,
			Action:         string(cmd.Action),
			Pair:           cmd.Pair,
			LotSize:        cmd.LotSize,
			StealthApplied: cmd.StealthApplied,
			Payload:        string(payload),
			Status:         db.CommandStatusPending,
		}
		if err := e.deps.Queries.InsertCommand(ctx, row); err != nil {
			log.Printf("❌ persist command %s: %v", shortID(cmd.CommandID), err)
			e.releaseReservation(cmd.CommandID)
			return
		}
	}

	if delay := e.deps.Transformer.Delay(e.StealthConfig()); delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	timer := e.timer(func(m *monitor.PipelineMetrics) *monitor.LatencyHistogram { return m.DispatchLatency })
	res := e.deps.Dispatcher.Dispatch(ctx, cmd)
	timer()

	e.record(ctx, cmd.SignalID, audit.StageDispatched, string(res.Status), res.Err)
	e.publish(events.EventCommandDispatched, cmd.SignalID, audit.StageDispatched, string(res.Status), res.Err)
	e.setStatus(cmd.SignalID, audit.StageDispatched, string(res.Status), res.Err)

	if res.Status == dispatch.StatusAck {
		e.onExecuted(ctx, cmd, res.BackendRef)
		return
	}

	lastErr := res.Err
	if lastErr == "" {
		lastErr = string(res.Status)
	}
	if e.deps.Queries != nil {
		if err := e.deps.Queries.UpdateCommandStatus(ctx, cmd.CommandID, db.CommandStatusFailed, ""); err != nil {
			log.Printf("⚠️ mark failed for %s: %v", shortID(cmd.CommandID), err)
		}
	}
	if e.deps.Retries != nil {
		if err := e.deps.Retries.Fail(ctx, cmd, lastErr); err != nil {
			log.Printf("❌ schedule retry for %s: %v", shortID(cmd.CommandID), err)
			e.releaseReservation(cmd.CommandID)
		}
		// Reservation stays held while retries run its course.
	} else {
		e.releaseReservation(cmd.CommandID)
	}
}

// onExecuted finalizes an acknowledged command.
func (e *Engine) onExecuted(ctx context.Context, cmd dispatch.ExecutionCommand, backendRef string) {
	if e.deps.Queries != nil {
		if err := e.deps.Queries.UpdateCommandStatus(ctx, cmd.CommandID, db.CommandStatusFilled, backendRef); err != nil {
			log.Printf("⚠️ mark filled for %s: %v", shortID(cmd.CommandID), err)
		}
	}
	if e.deps.States != nil {
		e.deps.States.RegisterTicket(backendRef, cmd.CommandID)
		e.deps.States.SetStatus(cmd.SignalID, audit.StageFilled, "ok", fmt.Sprintf("ticket %s", backendRef))
	}

	ledger := e.ledger()
	if res, ok := e.takeReservation(cmd.CommandID); ok && ledger != nil {
		ledger.Confirm(res.pair, res.lots)
		ledger.TradeOpened(res.provider)
	}
	if cmd.Action == signal.ActionClose && ledger != nil {
		ledger.TradeClosed(cmd.ProviderID)
		e.releaseClosedExposure(ctx, cmd.TicketRef)
		if e.deps.States != nil {
			e.deps.States.ReleaseTicket(cmd.TicketRef)
		}
	}

	e.record(ctx, cmd.SignalID, audit.StageFilled, "ok", fmt.Sprintf("ticket %s", backendRef))
	e.publish(events.EventCommandFilled, cmd.SignalID, audit.StageFilled, "ok", backendRef)
	log.Printf("✓ command %s filled, ticket %s", shortID(cmd.CommandID), backendRef)
}

// releaseClosedExposure looks up the entry command behind a closed
// ticket and drops its lots from the pair's confirmed exposure.
func (e *Engine) releaseClosedExposure(ctx context.Context, ticket string) {
	if e.deps.States == nil || e.deps.Queries == nil || ticket == "" {
		return
	}
	entryID, ok := e.deps.States.CommandForTicket(ticket)
	if !ok {
		log.Printf("⚠️ no command registered for closed ticket %s", ticket)
		return
	}
	row, err := e.deps.Queries.GetCommand(ctx, entryID)
	if err != nil {
		log.Printf("⚠️ load entry command %s for closed ticket %s: %v", shortID(entryID), ticket, err)
		return
	}
	if ledger := e.ledger(); ledger != nil {
		ledger.Close(row.Pair, row.LotSize)
	}
}

func (e *Engine) onRetrySuccess(cmd dispatch.ExecutionCommand, backendRef string) {
	e.onExecuted(context.Background(), cmd, backendRef)
}

func (e *Engine) onDeadLetter(cmd dispatch.ExecutionCommand, lastError string) {
	ctx := context.Background()
	e.releaseReservation(cmd.CommandID)
	if e.deps.Queries != nil {
		if err := e.deps.Queries.UpdateCommandStatus(ctx, cmd.CommandID, db.CommandStatusFailed, ""); err != nil {
			log.Printf("⚠️ mark failed for %s: %v", shortID(cmd.CommandID), err)
		}
	}
	e.setStatus(cmd.SignalID, audit.StageDeadLetter, "dead_lettered", lastError)
}

// SimulationReport is the dry-run answer: every gate's verdict without
// any side effects on exposure or the backend.
type SimulationReport struct {
	Parsed     signal.ParsedSignal `json:"parsed"`
	Validation validate.Result     `json:"validation"`
	Risk       *risk.Decision      `json:"risk,omitempty"`
	WouldSend  bool                `json:"would_send"`
}

// Simulate runs a signal through parse and the preview forms of the
// validate and risk gates. The dedup window, throttle and exposure
// ledger are left untouched, so simulating a signal never shadows a
// later real submission of the same text.
func (e *Engine) Simulate(raw signal.RawSignal) SimulationReport {
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now().UTC()
	}
	rep := SimulationReport{Parsed: e.deps.Parser.Parse(raw)}
	rep.Validation = e.deps.Validator.Preview(rep.Parsed)
	if !rep.Validation.OK {
		return rep
	}
	dec := e.deps.Risk.Preview(rep.Parsed)
	rep.Risk = &dec
	rep.WouldSend = !dec.Rejected()
	return rep
}

func (e *Engine) reject(ctx context.Context, signalID, stage, reason string) {
	e.record(ctx, signalID, stage, "rejected", reason)
	e.publish(events.EventSignalRejected, signalID, stage, "rejected", reason)
	e.setStatus(signalID, stage, "rejected", reason)
	log.Printf("signal %s rejected at %s: %s", shortID(signalID), stage, reason)
}

func (e *Engine) holdReservation(commandID string, r reservation) {
	e.resMu.Lock()
	e.reservations[commandID] = r
	e.resMu.Unlock()
}

func (e *Engine) takeReservation(commandID string) (reservation, bool) {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	r, ok := e.reservations[commandID]
	if ok {
		delete(e.reservations, commandID)
	}
	return r, ok
}

func (e *Engine) releaseReservation(commandID string) {
	if r, ok := e.takeReservation(commandID); ok {
		if ledger := e.ledger(); ledger != nil {
			ledger.Release(r.pair, r.lots)
		}
	}
}

func (e *Engine) ledger() *risk.ExposureLedger {
	if e.deps.Risk == nil {
		return nil
	}
	return e.deps.Risk.Ledger()
}

func (e *Engine) record(ctx context.Context, signalID, stage, status, detail string) {
	if e.deps.Recorder != nil {
		e.deps.Recorder.Record(ctx, signalID, stage, status, detail)
	}
}

func (e *Engine) publish(ev events.Event, signalID, stage, status, detail string) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ev, events.StageEvent{
			SignalID:  signalID,
			Stage:     stage,
			Status:    status,
			Timestamp: time.Now().UTC(),
			Detail:    detail,
		})
	}
}

func (e *Engine) setStatus(signalID, stage, status, detail string) {
	if e.deps.States != nil {
		e.deps.States.SetStatus(signalID, stage, status, detail)
	}
}

// timer starts a latency measurement and returns its stop function.
func (e *Engine) timer(pick func(*monitor.PipelineMetrics) *monitor.LatencyHistogram) func() {
	if e.deps.Metrics == nil {
		return func() {}
	}
	t := monitor.NewTimer(pick(e.deps.Metrics))
	return func() { t.Stop() }
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
