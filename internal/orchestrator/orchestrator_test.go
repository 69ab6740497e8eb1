package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/rsellar/dcabot/internal/domain"
	"github.com/rsellar/dcabot/internal/engine"
	"github.com/rsellar/dcabot/internal/exchange"
	"github.com/rsellar/dcabot/internal/notify"
	"github.com/rsellar/dcabot/internal/safety"
	"github.com/rsellar/dcabot/internal/store/memory"
)

type fixture struct {
	orch      *Orchestrator
	sched     *Scheduler
	positions *memory.PositionStore
	trailing  *memory.TrailingStopStore
	ocos      *memory.OCOOrderStore
	users     *memory.UserConfigStore
	audit     *memory.AuditStore
	safety    *safety.Manager
	paper     *exchange.Paper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		positions: memory.NewPositionStore(),
		trailing:  memory.NewTrailingStopStore(),
		ocos:      memory.NewOCOOrderStore(),
		users:     memory.NewUserConfigStore(),
		audit:     memory.NewAuditStore(),
		safety:    safety.NewManager(safety.DefaultConfig(), logger),
		paper:     exchange.NewPaper(10_000),
	}
	notifier := notify.NewNotifier(nil, nil, logger)
	f.orch = NewOrchestrator(
		f.positions, f.trailing, f.ocos, f.users, f.audit,
		f.safety, f.paper, notifier, nil, nil, 10_000, logger,
	)
	f.sched = NewScheduler(f.orch, f.positions, f.trailing, f.ocos, nil, f.paper, time.Second, logger)
	return f
}

func defaultUser(owner string) domain.UserConfig {
	return domain.UserConfig{
		Owner:           owner,
		Enabled:         true,
		ExchangeEnabled: true,
		MaxLeverage:     10,
		MaxPositions:    3,
		MaxDailyTrades:  20,
		MaxDailyLossPct: 50,
		SizingMode:      "fixed",
		AutoStop:        true,
		DCA: domain.DCAConfig{
			BaseOrderSize: 10,
			MaxInvestment: 100,
			TakeProfitPct: 1.2,
			TPMode:        domain.TPModeWhole,
			StopLossPct:   5,
			Levels: []domain.DCALevelConfig{
				{DropPct: 1.5, Multiplier: 1.0},
				{DropPct: 2.0, Multiplier: 1.5},
			},
		},
	}
}

func signalFor(owner, symbol string) domain.EntrySignal {
	return domain.EntrySignal{
		ID:        "sig-1",
		Owner:     owner,
		Symbol:    symbol,
		Side:      domain.SideLong,
		Entry:     100,
		Leverage:  5,
		Source:    "test",
		CreatedAt: time.Now().UTC(),
	}
}

func TestExecuteSignal_OpensPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.users.Upsert(ctx, defaultUser("alice")); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("execute signal: %v", err)
	}
	if pos.ID == "" {
		t.Fatalf("missing position id")
	}
	if pos.AvgEntry != 100 || pos.OriginalQty != 0.1 {
		t.Errorf("base fill: entry %v qty %v", pos.AvgEntry, pos.OriginalQty)
	}
	if len(pos.Levels) != 2 {
		t.Errorf("expected 2 dca levels, got %d", len(pos.Levels))
	}

	stored, err := f.positions.GetByID(ctx, pos.ID)
	if err != nil {
		t.Fatalf("position not persisted: %v", err)
	}
	if stored.Status != domain.PositionStatusActive {
		t.Errorf("status: %s", stored.Status)
	}
}

func TestExecuteSignal_DuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.users.Upsert(ctx, defaultUser("alice"))
	f.paper.SetPrice("BTCUSDT", 100)

	if _, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT")); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if !domain.IsKind(err, domain.KindDuplicateOrder) {
		t.Fatalf("expected duplicate order, got %v", err)
	}

	active, _ := f.positions.ListActiveByOwner(ctx, "alice")
	if len(active) != 1 {
		t.Errorf("duplicate created a second position: %d", len(active))
	}
}

func TestExecuteSignal_FailClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.paper.SetPrice("BTCUSDT", 100)

	// Unknown owner.
	if _, err := f.orch.ExecuteSignal(ctx, signalFor("ghost", "BTCUSDT")); !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("unknown owner: got %v", err)
	}

	// Disabled strategy.
	u := defaultUser("bob")
	u.Enabled = false
	f.users.Upsert(ctx, u)
	if _, err := f.orch.ExecuteSignal(ctx, signalFor("bob", "BTCUSDT")); !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("disabled strategy: got %v", err)
	}

	// Kill switch.
	f.users.Upsert(ctx, defaultUser("alice"))
	f.safety.ActivateKillSwitch("test halt")
	if _, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT")); !domain.IsKind(err, domain.KindSafetyBlocked) {
		t.Errorf("kill switch: got %v", err)
	}
	f.safety.DeactivateKillSwitch()

	// Nothing was persisted by any failed attempt.
	active, _ := f.positions.ListActive(ctx)
	if len(active) != 0 {
		t.Fatalf("failed pipeline persisted state: %d positions", len(active))
	}
}

func TestExecuteSignal_MaxPositionsCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := defaultUser("alice")
	u.MaxPositions = 1
	f.users.Upsert(ctx, u)
	f.paper.SetPrice("BTCUSDT", 100)
	f.paper.SetPrice("ETHUSDT", 50)

	if _, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT")); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "ETHUSDT"))
	if !domain.IsKind(err, domain.KindSafetyBlocked) {
		t.Fatalf("expected safety block at cap, got %v", err)
	}
}

func TestExecuteSignal_ExchangeFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.users.Upsert(ctx, defaultUser("alice"))
	f.paper.SetPrice("BTCUSDT", 100)
	f.paper.FailNext(100) // every attempt fails

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	retrying := exchange.NewRetrying(f.paper, exchange.RetryConfig{
		Attempts: 3, Backoff: []time.Duration{time.Millisecond}, CallTimeout: time.Second,
	}, logger)
	notifier := notify.NewNotifier(nil, nil, logger)
	orch := NewOrchestrator(
		f.positions, f.trailing, f.ocos, f.users, f.audit,
		f.safety, retrying, notifier, nil, nil, 10_000, logger,
	)

	_, err := orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if !domain.IsKind(err, domain.KindExchange) {
		t.Fatalf("expected exchange error, got %v", err)
	}
	active, _ := f.positions.ListActive(ctx)
	if len(active) != 0 {
		t.Fatalf("exchange failure persisted state")
	}
}

func TestSchedulerTick_DCAFillMovesAverage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.users.Upsert(ctx, defaultUser("alice"))
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.paper.SetPrice("BTCUSDT", 98.5) // level 1 trigger
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, _ := f.positions.GetByID(ctx, pos.ID)
	if got.Levels[0].Status != domain.DCALevelFilled {
		t.Fatalf("level 0 not filled: %s", got.Levels[0].Status)
	}
	if math.Abs(got.AvgEntry-99.24) > 0.01 {
		t.Errorf("avg entry after dca: got %v, want ≈99.24", got.AvgEntry)
	}
}

func TestSchedulerTick_WholeTakeProfitClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.users.Upsert(ctx, defaultUser("alice"))
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.paper.SetPrice("BTCUSDT", 101.3) // above the 1.2% threshold
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, _ := f.positions.GetByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusTPClosed {
		t.Fatalf("status: %s, want tp_closed", got.Status)
	}
	if got.RemainingQty != 0 {
		t.Errorf("remaining qty: %v", got.RemainingQty)
	}
	if got.RealizedPnL <= 0 {
		t.Errorf("expected profit, got %v", got.RealizedPnL)
	}
}

func TestSchedulerTick_StopLossRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := defaultUser("alice")
	u.DCA.Levels = nil // no averaging, isolate the stop
	f.users.Upsert(ctx, u)
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.paper.SetPrice("BTCUSDT", 94.9) // below the 5% stop
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, _ := f.positions.GetByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusSLClosed {
		t.Fatalf("status: %s, want sl_closed", got.Status)
	}
	if got.RealizedPnL >= 0 {
		t.Errorf("expected loss, got %v", got.RealizedPnL)
	}
}

func TestMonitorTargets_ProgressiveLadder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := defaultUser("alice")
	u.DCA.TPMode = domain.TPModePartial
	f.users.Upsert(ctx, u)
	f.paper.SetPrice("BTCUSDT", 100)

	sig := signalFor("alice", "BTCUSDT")
	sig.Targets = []float64{101, 102, 103}
	pos, err := f.orch.ExecuteSignal(ctx, sig)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Overshooting price fills one target per tick, in order.
	f.paper.SetPrice("BTCUSDT", 105)
	for i := 0; i < 3; i++ {
		got, _ := f.positions.GetByID(ctx, pos.ID)
		if got.Status.Terminal() {
			t.Fatalf("closed early after %d ticks", i)
		}
		if err := f.sched.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	got, _ := f.positions.GetByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusTPClosed {
		t.Fatalf("status after ladder: %s", got.Status)
	}
	if got.RemainingQty != 0 {
		t.Errorf("remainder not absorbed: %v", got.RemainingQty)
	}
	for i, tgt := range got.Targets {
		if !tgt.Reached {
			t.Errorf("target %d not marked reached", i)
		}
	}
	if got.RealizedPnL <= 0 {
		t.Errorf("cumulative pnl: %v", got.RealizedPnL)
	}
}

func TestAutoClose_RespectsOptIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	optIn := defaultUser("alice")
	optOut := defaultUser("bob")
	optOut.AutoStop = false
	f.users.Upsert(ctx, optIn)
	f.users.Upsert(ctx, optOut)
	f.paper.SetPrice("BTCUSDT", 100)

	a, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open alice: %v", err)
	}
	bSig := signalFor("bob", "BTCUSDT")
	bSig.ID = "sig-2"
	bSig.Entry = 100.5 // distinct idempotency key
	b, err := f.orch.ExecuteSignal(ctx, bSig)
	if err != nil {
		t.Fatalf("open bob: %v", err)
	}

	f.paper.SetPrice("BTCUSDT", 99)
	if err := f.orch.AutoClosePositions(ctx, domain.CancelSignal{Symbol: "BTCUSDT", Reason: "signal reversal"}); err != nil {
		t.Fatalf("auto close: %v", err)
	}

	closedA, _ := f.positions.GetByID(ctx, a.ID)
	if closedA.Status != domain.PositionStatusCancelled {
		t.Errorf("opted-in position not cancelled: %s", closedA.Status)
	}
	openB, _ := f.positions.GetByID(ctx, b.ID)
	if openB.Status != domain.PositionStatusActive {
		t.Errorf("opted-out position touched: %s", openB.Status)
	}
}

func TestSchedulerTick_TrailingStopCloses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := defaultUser("alice")
	u.DCA.Levels = nil
	u.DCA.TakeProfitPct = 50 // keep percent TP out of the way
	f.users.Upsert(ctx, u)
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.trailing.Upsert(ctx, domain.TrailingStop{PositionID: pos.ID, TrailPct: 2})

	f.paper.SetPrice("BTCUSDT", 110) // arms and ratchets, stop ≈ 107.8
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.positions.GetByID(ctx, pos.ID)
	if got.Status.Terminal() {
		t.Fatalf("trailing stop fired on a favorable move")
	}

	f.paper.SetPrice("BTCUSDT", 107)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = f.positions.GetByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusSLClosed {
		t.Fatalf("status: %s, want sl_closed", got.Status)
	}
	if got.RealizedPnL <= 0 {
		t.Errorf("trailing close should have locked profit, got %v", got.RealizedPnL)
	}
	if _, err := f.trailing.GetByPosition(ctx, pos.ID); err == nil {
		t.Errorf("trailing stop not removed after firing")
	}
}

func TestSchedulerTick_OCOTakeProfitLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := defaultUser("alice")
	u.DCA.Levels = nil
	u.DCA.TakeProfitPct = 50
	f.users.Upsert(ctx, u)
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	oco := domain.OCOOrder{
		ID: "o1", PositionID: pos.ID,
		TakeProfit: 103, StopLossPrice: 96,
		Qty: pos.RemainingQty, Status: domain.OCOActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.ocos.Create(ctx, oco); err != nil {
		t.Fatalf("create oco: %v", err)
	}

	f.paper.SetPrice("BTCUSDT", 103.5)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	gotOCO, _ := f.ocos.GetByID(ctx, "o1")
	if gotOCO.Status != domain.OCOExecuted || gotOCO.ExecutedSide != domain.OCOSideTakeProfit {
		t.Fatalf("oco not executed on tp leg: %+v", gotOCO)
	}
	gotPos, _ := f.positions.GetByID(ctx, pos.ID)
	if gotPos.Status != domain.PositionStatusTPClosed {
		t.Errorf("position status: %s", gotPos.Status)
	}
}

func TestSchedulerTick_OCOStopLegClosesOnlyOrderQty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := defaultUser("alice")
	u.DCA.Levels = nil
	u.DCA.TakeProfitPct = 50
	u.DCA.StopLossPct = 50 // keep the position's own stop out of the way
	f.users.Upsert(ctx, u)
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	oco := domain.OCOOrder{
		ID: "o1", PositionID: pos.ID,
		TakeProfit: 110, StopLossPrice: 95,
		Qty: pos.RemainingQty / 2, Status: domain.OCOActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.ocos.Create(ctx, oco); err != nil {
		t.Fatalf("create oco: %v", err)
	}

	f.paper.SetPrice("BTCUSDT", 95)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	gotOCO, _ := f.ocos.GetByID(ctx, "o1")
	if gotOCO.Status != domain.OCOExecuted || gotOCO.ExecutedSide != domain.OCOSideStopLoss {
		t.Fatalf("oco not executed on stop leg: %+v", gotOCO)
	}

	// Only the order's half of the position was closed at the venue, so
	// the remainder must stay open with its books matching.
	got, _ := f.positions.GetByID(ctx, pos.ID)
	if got.Status.Terminal() {
		t.Fatalf("position went terminal with exposure left: %s", got.Status)
	}
	if math.Abs(got.RemainingQty-0.05) > 1e-9 {
		t.Errorf("remaining qty: got %v, want 0.05", got.RemainingQty)
	}
	wantPnL := (95.0 - 100.0) * 0.05
	if math.Abs(got.RealizedPnL-wantPnL) > 1e-9 {
		t.Errorf("realized pnl: got %v, want %v", got.RealizedPnL, wantPnL)
	}
}

func TestCheckDCATriggers_RetriesAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.users.Upsert(ctx, defaultUser("alice"))
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.paper.SetPrice("BTCUSDT", 98.5) // level 1 trigger
	f.paper.FailNext(1)
	if err := f.orch.CheckDCATriggers(ctx, &pos, 98.5); err != nil {
		t.Fatalf("dca check: %v", err)
	}
	if pos.Levels[0].Status != domain.DCALevelPending {
		t.Fatalf("level after failed order: %s, want pending", pos.Levels[0].Status)
	}

	// The venue is healthy again and the price has not moved. The same
	// level must fill now instead of being swallowed as a duplicate.
	if err := f.orch.CheckDCATriggers(ctx, &pos, 98.5); err != nil {
		t.Fatalf("dca recheck: %v", err)
	}
	if pos.Levels[0].Status != domain.DCALevelFilled {
		t.Fatalf("level never retried after transient failure: %s", pos.Levels[0].Status)
	}
	if math.Abs(pos.AvgEntry-99.24) > 0.01 {
		t.Errorf("avg entry after retried fill: got %v, want ≈99.24", pos.AvgEntry)
	}
}

func TestExecuteSignal_RetriesAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.users.Upsert(ctx, defaultUser("alice"))
	f.paper.SetPrice("BTCUSDT", 100)

	// First failure is absorbed by the balance fallback, the second one
	// hits the order itself.
	f.paper.FailNext(2)
	if _, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT")); err == nil {
		t.Fatalf("expected venue failure")
	}

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("re-sent signal after transient failure: %v", err)
	}
	if pos.Status != domain.PositionStatusActive {
		t.Errorf("status: %s", pos.Status)
	}
	active, _ := f.positions.ListActive(ctx)
	if len(active) != 1 {
		t.Fatalf("active positions: %d, want 1", len(active))
	}
}

func TestEngineAndOrchestratorAgreeOnTakeProfitPrice(t *testing.T) {
	// The TP threshold the scheduler acts on must always derive from the
	// live average entry, matching the engine helper.
	ctx := context.Background()
	f := newFixture(t)
	f.users.Upsert(ctx, defaultUser("alice"))
	f.paper.SetPrice("BTCUSDT", 100)

	pos, err := f.orch.ExecuteSignal(ctx, signalFor("alice", "BTCUSDT"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.paper.SetPrice("BTCUSDT", 98.5)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.positions.GetByID(ctx, pos.ID)

	tp := engine.TakeProfitPrice(&got)
	if math.Abs(tp-100.43) > 0.01 {
		t.Fatalf("tp threshold: got %v, want ≈100.43", tp)
	}

	// Just below the threshold nothing closes.
	f.paper.SetPrice("BTCUSDT", 100.40)
	f.sched.Tick(ctx)
	got, _ = f.positions.GetByID(ctx, pos.ID)
	if got.Status.Terminal() {
		t.Fatalf("closed below the tp threshold")
	}

	// At the threshold the whole position closes.
	f.paper.SetPrice("BTCUSDT", 100.44)
	f.sched.Tick(ctx)
	got, _ = f.positions.GetByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusTPClosed {
		t.Fatalf("did not close at the derived threshold: %s", got.Status)
	}
}
