package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/accounts"
	"github.com/atmx/margin-engine/internal/liquidity"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/store"
)

// --- Fakes ---

// queueSender collects messages for the fixture to deliver in order.
type queueSender struct {
	mu    sync.Mutex
	queue []Message
	sent  []Message
}

func (s *queueSender) Send(_ context.Context, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, msgs...)
	s.sent = append(s.sent, msgs...)
	return nil
}

func (s *queueSender) pop() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true
}

func (s *queueSender) pushFront(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([]Message{m}, s.queue...)
}

func (s *queueSender) named(name string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.sent {
		if m.Name() == name {
			out = append(out, m)
		}
	}
	return out
}

// margin is |volume| × open price.
type fakeMargin struct{}

func (fakeMargin) MaintenanceMargin(_ context.Context, p *model.Position) decimal.Decimal {
	return p.Volume.Abs().Mul(p.OpenPrice)
}

type fakeDayOff map[string]bool

func (f fakeDayOff) IsDayOffNow(asset string) bool { return f[asset] }

// fakeLiquidity rejects batches touching a blocked instrument.
type fakeLiquidity struct {
	blocked map[string]bool
	calls   int
}

func (f *fakeLiquidity) Check(_ context.Context, ps []*model.Position) error {
	f.calls++
	for _, p := range ps {
		if f.blocked[p.AssetPairID] {
			return fmt.Errorf("%w: %s too large", liquidity.ErrThresholdExceeded, p.AssetPairID)
		}
	}
	return nil
}

// fakeCloser removes the position. The account snapshot is left alone: the
// saga works out used margin from what is still open.
type fakeCloser struct {
	positions *store.MemoryPositionStore
	reject    map[string]string
	fail      map[string]error
	closed    []string
}

func (f *fakeCloser) ClosePosition(_ context.Context, positionID string, _ model.Originator, _, operationID, _ string) (*model.Order, error) {
	if err := f.fail[positionID]; err != nil {
		return nil, err
	}
	order := &model.Order{ID: "close-" + positionID, Status: model.OrderStatusExecuted}
	if reason, ok := f.reject[positionID]; ok {
		order.Status = model.OrderStatusRejected
		order.RejectReasonText = reason
		return order, nil
	}

	if _, err := f.positions.RemovePosition(positionID); err != nil {
		return nil, err
	}
	f.closed = append(f.closed, positionID)
	return order, nil
}

type fakeExternal struct {
	mu     sync.Mutex
	events []ExternalEvent
}

func (f *fakeExternal) PublishExternal(_ context.Context, ev ExternalEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

// scriptedFaults fails each point the given number of times.
type scriptedFaults struct {
	remaining map[FaultPoint]int
	hits      map[FaultPoint]int
}

func (f *scriptedFaults) Inject(_ context.Context, point FaultPoint, _ string) error {
	f.hits[point]++
	if f.remaining[point] > 0 {
		f.remaining[point]--
		return fmt.Errorf("injected crash at %s", point)
	}
	return nil
}

// --- Fixture ---

type fixture struct {
	t         *testing.T
	ctx       context.Context
	positions *store.MemoryPositionStore
	accounts  *accounts.Cache
	repo      *Repository
	sender    *queueSender
	closer    *fakeCloser
	liquidity *fakeLiquidity
	external  *fakeExternal
	faults    *scriptedFaults
	dayOff    fakeDayOff
	handler   *Handler
	saga      *Saga
	executor  *Executor
	ended     []Ended
	special   []StartSpecialLiquidationCommand
	poison    []error
}

// newFixture seeds acc1 with balance 100 and, unless empty, these
// positions (margin = |volume| × price):
//
//	g1  GOLD   short 3 @ 100  margin 300
//	e1  EURUSD long 25 @ 2    margin 50
//	e2  EURUSD long 50 @ 1    margin 50
//
// Used margin 400 puts the account at stop-out (usage 0.25).
func newFixture(t *testing.T, empty bool) *fixture {
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		positions: store.NewMemoryPositionStore(),
		accounts:  accounts.NewCache(nil),
		sender:    &queueSender{},
		liquidity: &fakeLiquidity{blocked: map[string]bool{}},
		external:  &fakeExternal{},
		faults:    &scriptedFaults{remaining: map[FaultPoint]int{}, hits: map[FaultPoint]int{}},
		dayOff:    fakeDayOff{},
	}
	f.repo = NewRepository(store.NewMemoryExecutionInfoStore())
	f.closer = &fakeCloser{positions: f.positions, reject: map[string]string{}, fail: map[string]error{}}

	used := 400.0
	if empty {
		used = 0
	} else {
		for i, p := range []struct {
			id, asset     string
			volume, price float64
		}{
			{"g1", "GOLD", -3, 100},
			{"e1", "EURUSD", 25, 2},
			{"e2", "EURUSD", 50, 1},
		} {
			require.NoError(t, f.positions.AddPosition(&model.Position{
				ID:          p.id,
				AccountID:   "acc1",
				AssetPairID: p.asset,
				Volume:      d(p.volume),
				OpenPrice:   d(p.price),
				OpenFxRate:  d(1),
				OpenDate:    testNow.Add(time.Duration(i) * time.Minute),
			}))
		}
	}
	f.accounts.Upsert(&model.Account{
		ID:               "acc1",
		Balance:          d(100),
		UsedMargin:       d(used),
		MarginCall1Level: d(1.0),
		MarginCall2Level: d(0.8),
		StopOutLevel:     d(0.5),
	})

	notifier := NewNotifier()
	notifier.Subscribe(func(e Ended) { f.ended = append(f.ended, e) })
	f.executor = NewExecutor(f.repo, f.accounts, f.positions, f.external, notifier)

	f.handler = NewHandler(HandlerDeps{
		Repository: f.repo,
		Accounts:   f.accounts,
		Positions:  f.positions,
		Liquidity:  f.liquidity,
		Closer:     f.closer,
		Executor:   f.executor,
		Sender:     f.sender,
		Faults:     f.faults,
	})
	f.saga = NewSaga(SagaDeps{
		Repository: f.repo,
		Accounts:   f.accounts,
		Positions:  f.positions,
		Margin:     fakeMargin{},
		DayOff:     f.dayOff,
		Sender:     f.sender,
		Faults:     f.faults,
	})
	return f
}

// send queues a command as if it arrived from outside.
func (f *fixture) send(msgs ...Message) {
	require.NoError(f.t, f.sender.Send(f.ctx, msgs...))
}

// run delivers queued messages until the queue is empty, redelivering on
// transient errors and dropping permanent ones, like the bus does.
func (f *fixture) run() {
	for steps := 0; ; steps++ {
		require.Less(f.t, steps, 200, "workflow did not settle")
		m, ok := f.sender.pop()
		if !ok {
			return
		}
		if err := f.dispatch(m); err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				f.poison = append(f.poison, err)
				continue
			}
			f.sender.pushFront(m)
		}
	}
}

func (f *fixture) dispatch(m Message) error {
	switch msg := m.(type) {
	case StartSpecialLiquidationCommand:
		f.special = append(f.special, msg)
		return nil
	case Command:
		return f.handler.Handle(f.ctx, msg)
	case Event:
		return f.saga.Handle(f.ctx, msg)
	}
	return fmt.Errorf("unknown message %T", m)
}

func (f *fixture) state(opID string) OperationData {
	exec, err := f.repo.Get(f.ctx, opID)
	require.NoError(f.t, err)
	return exec.Data
}

func (f *fixture) lockFree() bool {
	ok, _, err := f.accounts.TryStartLiquidation(f.ctx, "acc1", "lock-check")
	require.NoError(f.t, err)
	if ok {
		_, _ = f.accounts.TryFinishLiquidation(f.ctx, "acc1", "lock-check", "lock-check")
	}
	return ok
}

func start(opID string, typ Type) StartLiquidationCommand {
	return StartLiquidationCommand{
		Header:          Header{OperationID: opID, CreationTime: testNow},
		AccountID:       "acc1",
		LiquidationType: typ,
		OriginatorType:  model.OriginatorSystem,
	}
}

// --- Full workflow ---

func TestWorkflow_NormalStopsWhenAccountRecovers(t *testing.T) {
	f := newFixture(t, false)
	f.send(start("op1", TypeNormal))
	f.run()

	// GOLD (300) first, then EURUSD (100): usage goes 0.25 → 1.0 (MC1) → healthy.
	assert.Equal(t, []string{"g1", "e1", "e2"}, f.closer.closed)

	data := f.state("op1")
	assert.Equal(t, StateFinished, data.State)
	assert.Equal(t, []string{"g1", "e1", "e2"}, data.LiquidatedPositionIDs)

	require.Len(t, f.external.events, 1)
	fin, ok := f.external.events[0].(LiquidationFinishedEvent)
	require.True(t, ok, "expected LiquidationFinishedEvent, got %T", f.external.events[0])
	assert.Equal(t, "acc1", fin.AccountID)
	assert.Equal(t, 0, fin.OpenPositionsRemainingOnAccount)
	assert.True(t, fin.CurrentTotalCapital.Equal(d(100)))
	assert.Contains(t, fin.Reason, "None")

	require.Len(t, f.ended, 1)
	assert.False(t, f.ended[0].Failed)
	assert.True(t, f.lockFree())
	assert.Empty(t, f.poison)
}

func TestWorkflow_McoStopsAboveStopOut(t *testing.T) {
	f := newFixture(t, false)
	f.send(start("op1", TypeMco))
	f.run()

	// After GOLD the account is at MC1, which is enough for a close-out.
	assert.Equal(t, []string{"g1"}, f.closer.closed)
	data := f.state("op1")
	assert.Equal(t, StateFinished, data.State)
	assert.True(t, data.IsPartial)

	fin := f.external.events[0].(LiquidationFinishedEvent)
	assert.Equal(t, 2, fin.OpenPositionsRemainingOnAccount)
}

func TestWorkflow_ForcedClosesEverything(t *testing.T) {
	f := newFixture(t, false)
	acc, _ := f.accounts.Get("acc1")
	acc.Balance = d(100000)
	f.accounts.Upsert(acc)

	f.send(start("op1", TypeForced))
	f.run()

	assert.ElementsMatch(t, []string{"g1", "e1", "e2"}, f.closer.closed)
	assert.Equal(t, StateFinished, f.state("op1").State)
	fin := f.external.events[0].(LiquidationFinishedEvent)
	assert.Equal(t, ReasonAllLiquidated, fin.Reason)
}

func TestWorkflow_NothingToLiquidateFails(t *testing.T) {
	f := newFixture(t, true)
	f.send(start("op1", TypeNormal))
	f.run()

	assert.Equal(t, StateFailed, f.state("op1").State)
	require.Len(t, f.external.events, 1)
	failed, ok := f.external.events[0].(LiquidationFailedEvent)
	require.True(t, ok)
	assert.Equal(t, ReasonNothingToLiquidate, failed.Reason)
	require.Len(t, f.ended, 1)
	assert.True(t, f.ended[0].Failed)
	assert.True(t, f.lockFree())
}

func TestWorkflow_CloseFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, false)
	f.closer.reject["g1"] = "market closed"
	f.send(start("op1", TypeNormal))
	f.run()

	// g1 is rejected, the EURUSD batch still runs, then nothing is left.
	assert.Equal(t, []string{"e1", "e2"}, f.closer.closed)
	data := f.state("op1")
	assert.Equal(t, StateFailed, data.State)
	assert.Equal(t, []string{"g1", "e1", "e2"}, data.ProcessedPositionIDs)
	assert.Equal(t, []string{"e1", "e2"}, data.LiquidatedPositionIDs)

	batches := f.sender.named("PositionsLiquidationFinished")
	require.NotEmpty(t, batches)
	first := batches[0].(PositionsLiquidationFinished)
	require.Len(t, first.LiquidationInfos, 1)
	assert.False(t, first.LiquidationInfos[0].IsLiquidated)
	assert.Contains(t, first.LiquidationInfos[0].Comment, "market closed")
}

func TestWorkflow_CloseErrorDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, false)
	f.closer.fail["e1"] = errors.New("venue timeout")
	f.send(start("op1", TypeNormal))
	f.run()

	assert.Contains(t, f.closer.closed, "e2")
	batches := f.sender.named("PositionsLiquidationFinished")
	second := batches[1].(PositionsLiquidationFinished)
	require.Len(t, second.LiquidationInfos, 2)
	assert.False(t, second.LiquidationInfos[0].IsLiquidated)
	assert.Contains(t, second.LiquidationInfos[0].Comment, "venue timeout")
	assert.True(t, second.LiquidationInfos[1].IsLiquidated)
}

func TestWorkflow_DayOffInstrumentSkipped(t *testing.T) {
	f := newFixture(t, false)
	f.dayOff["GOLD"] = true
	f.send(start("op1", TypeNormal))
	f.run()

	assert.NotContains(t, f.closer.closed, "g1")
	// EURUSD alone cannot bring the account back: 100 / 300 is still stop-out.
	assert.Equal(t, StateFailed, f.state("op1").State)
}

// --- Escalation ---

func TestWorkflow_NotEnoughLiquidityEscalates(t *testing.T) {
	f := newFixture(t, false)
	f.liquidity.blocked["GOLD"] = true
	f.send(start("op1", TypeNormal))
	f.run()

	assert.Empty(t, f.closer.closed, "no position may be closed when liquidity is short")
	assert.Equal(t, StateSpecialLiquidationStarted, f.state("op1").State)
	require.Len(t, f.special, 1)
	assert.Equal(t, "op1", f.special[0].CausationOperationID)
	assert.Equal(t, []string{"g1"}, f.special[0].PositionIDs)
	assert.False(t, f.lockFree(), "the account stays locked during special liquidation")

	// The special liquidation closes GOLD off-market and hands back.
	_, err := f.positions.RemovePosition("g1")
	require.NoError(t, err)

	f.send(ResumeLiquidationCommand{
		Header:                                  Header{OperationID: "op1", CreationTime: testNow},
		Comment:                                 "special liquidation done",
		IsCausedBySpecialLiquidation:            true,
		PositionsLiquidatedBySpecialLiquidation: []string{"g1"},
	})
	f.run()

	data := f.state("op1")
	assert.Equal(t, StateFinished, data.State)
	assert.Equal(t, []string{"g1", "e1", "e2"}, data.LiquidatedPositionIDs)
	assert.True(t, f.lockFree())
}

func TestResume_IgnoredWithoutSpecialLiquidation(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.handler.Handle(f.ctx, start("op1", TypeNormal)))
	f.sender.queue = nil

	err := f.handler.Handle(f.ctx, ResumeLiquidationCommand{
		Header:                       Header{OperationID: "op1"},
		IsCausedBySpecialLiquidation: true,
	})
	require.NoError(t, err)
	assert.Empty(t, f.sender.named("LiquidationResumed"))
}

// --- Start ---

func TestStart_Idempotent(t *testing.T) {
	f := newFixture(t, false)
	f.send(start("op1", TypeNormal), start("op1", TypeNormal))
	f.run()

	assert.Equal(t, StateFinished, f.state("op1").State)
	assert.Equal(t, []string{"g1", "e1", "e2"}, f.closer.closed, "each position closed once")
	assert.Len(t, f.external.events, 1)
	assert.Empty(t, f.poison)
}

func TestStart_MutualExclusion(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.handler.Handle(f.ctx, start("op1", TypeNormal)))
	require.NoError(t, f.handler.Handle(f.ctx, start("op2", TypeNormal)))

	failed := f.sender.named("LiquidationFailed")
	require.Len(t, failed, 1)
	ev := failed[0].(LiquidationFailed)
	assert.Equal(t, "op2", ev.OperationID)
	assert.Equal(t, "Liquidation is already in progress by op1", ev.Reason)

	started := f.sender.named("LiquidationStarted")
	require.Len(t, started, 1)
	assert.Equal(t, "op1", started[0].Operation())

	// Other services hear about the refusal; op1 keeps the account.
	require.Len(t, f.external.events, 1)
	refused := f.external.events[0].(LiquidationFailedEvent)
	assert.Equal(t, "op2", refused.OperationID)
	assert.Equal(t, ev.Reason, refused.Reason)
	assert.False(t, f.lockFree())

	f.run()
	assert.Equal(t, StateFailed, f.state("op2").State)
	assert.Equal(t, StateFinished, f.state("op1").State)
	// op2 never held the lock, so only op1 released it.
	require.Len(t, f.ended, 1)
	assert.Equal(t, "op1", f.ended[0].OperationID)
}

func TestStart_ValidationCreatesNoState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*StartLiquidationCommand)
		reason string
	}{
		{"no account", func(c *StartLiquidationCommand) { c.AccountID = "" }, "Account id is required"},
		{"direction without instrument", func(c *StartLiquidationCommand) { c.Direction = model.DirectionLong }, "both empty or both set"},
		{"instrument without direction", func(c *StartLiquidationCommand) { c.AssetPairID = "GOLD" }, "both empty or both set"},
		{"unknown account", func(c *StartLiquidationCommand) { c.AccountID = "ghost" }, "does not exist"},
		{"unknown type", func(c *StartLiquidationCommand) { c.LiquidationType = "Panic" }, "Unknown liquidation type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			cmd := start("op1", TypeNormal)
			tt.mutate(&cmd)

			require.NoError(t, f.handler.Handle(f.ctx, cmd))

			failed := f.sender.named("LiquidationFailed")
			require.Len(t, failed, 1)
			assert.Contains(t, failed[0].(LiquidationFailed).Reason, tt.reason)

			require.Len(t, f.external.events, 1)
			refused, ok := f.external.events[0].(LiquidationFailedEvent)
			require.True(t, ok)
			assert.Equal(t, "op1", refused.OperationID)
			assert.Contains(t, refused.Reason, tt.reason)

			_, err := f.repo.Get(f.ctx, "op1")
			assert.ErrorIs(t, err, store.ErrNotFound)

			// The saga has nothing to apply the failure to.
			f.run()
			assert.True(t, f.lockFree())
			assert.Empty(t, f.ended)
		})
	}
}

// vanishingAccounts loses the account between the existence check and
// the lock.
type vanishingAccounts struct {
	*accounts.Cache
}

func (vanishingAccounts) TryStartLiquidation(_ context.Context, accountID, _ string) (bool, string, error) {
	return false, "", fmt.Errorf("%w: %s", accounts.ErrAccountNotFound, accountID)
}

func TestStart_AccountGoneBeforeLockFails(t *testing.T) {
	f := newFixture(t, false)
	f.handler.accounts = vanishingAccounts{f.accounts}

	require.NoError(t, f.handler.Handle(f.ctx, start("op1", TypeNormal)))

	failed := f.sender.named("LiquidationFailed")
	require.Len(t, failed, 1)
	assert.Equal(t, "Account acc1 does not exist", failed[0].(LiquidationFailed).Reason)
	require.Len(t, f.external.events, 1)

	f.run()
	assert.Equal(t, StateFailed, f.state("op1").State)
	assert.Empty(t, f.poison)
	assert.Empty(t, f.ended)
}

func TestStart_Targeted(t *testing.T) {
	f := newFixture(t, false)
	cmd := start("op1", TypeNormal)
	cmd.AssetPairID, cmd.Direction = "EURUSD", model.DirectionLong
	f.send(cmd)
	f.run()

	assert.Equal(t, []string{"e1", "e2"}, f.closer.closed)
	data := f.state("op1")
	assert.True(t, data.IsPartial)
	// Only the EURUSD group may be touched; stop-out persists.
	assert.Equal(t, StateFailed, data.State)
}

// --- Fail / Finish ---

func TestFail_AfterFinishIsNoop(t *testing.T) {
	f := newFixture(t, false)
	f.send(start("op1", TypeNormal))
	f.run()
	require.Equal(t, StateFinished, f.state("op1").State)

	f.send(FailLiquidationCommand{Header: Header{OperationID: "op1"}, Reason: "late"})
	f.run()

	assert.Equal(t, StateFinished, f.state("op1").State)
	assert.Len(t, f.external.events, 1)
	assert.Empty(t, f.poison)
}

func TestFail_UnknownOperationIsNoop(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.handler.Handle(f.ctx, FailLiquidationCommand{Header: Header{OperationID: "nope"}, Reason: "x"}))
	require.NoError(t, f.handler.Handle(f.ctx, FinishLiquidationCommand{Header: Header{OperationID: "nope"}, Reason: "x"}))
	assert.Empty(t, f.sender.sent)
}

func TestFail_CancelsInFlightLiquidation(t *testing.T) {
	f := newFixture(t, false)
	f.liquidity.blocked["GOLD"] = true
	f.send(start("op1", TypeNormal))
	f.run()
	require.Equal(t, StateSpecialLiquidationStarted, f.state("op1").State)

	f.send(FailLiquidationCommand{Header: Header{OperationID: "op1"}, Reason: "special liquidation rejected"})
	f.run()

	assert.Equal(t, StateFailed, f.state("op1").State)
	assert.True(t, f.lockFree())
	failed := f.external.events[0].(LiquidationFailedEvent)
	assert.Equal(t, "special liquidation rejected", failed.Reason)
}

func TestEnd_RedeliveryAfterReleaseCompletesSaga(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		end  func(f *fixture) error
		want OperationState
	}{
		{
			name: "finish",
			cmd:  FinishLiquidationCommand{Header: Header{OperationID: "op1"}, Reason: "done"},
			end:  func(f *fixture) error { return f.executor.Finish(f.ctx, "acc1", "op1", "done") },
			want: StateFinished,
		},
		{
			name: "fail",
			cmd:  FailLiquidationCommand{Header: Header{OperationID: "op1"}, Reason: "cancelled"},
			end:  func(f *fixture) error { return f.executor.Fail(f.ctx, "acc1", "op1", "cancelled") },
			want: StateFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			require.NoError(t, f.handler.Handle(f.ctx, start("op1", TypeNormal)))
			started, ok := f.sender.pop()
			require.True(t, ok)
			require.NoError(t, f.saga.Handle(f.ctx, started.(Event)))
			require.Equal(t, StateStarted, f.state("op1").State)
			f.sender.queue = nil

			// The first delivery released the account, then its send was lost.
			require.NoError(t, tt.end(f))
			require.True(t, f.lockFree())

			require.NoError(t, f.handler.Handle(f.ctx, tt.cmd))
			f.run()

			assert.Equal(t, tt.want, f.state("op1").State)
			assert.Len(t, f.external.events, 1, "the completion is published once")
			assert.Len(t, f.ended, 1)
			assert.Empty(t, f.poison)
		})
	}
}

// laggingCache serves Get from copies frozen before later saves, like a
// read-through cache that was refilled just after an invalidation.
type laggingCache struct {
	*store.MemoryExecutionInfoStore
	frozen map[string]*store.ExecutionInfo
}

func (c *laggingCache) Get(ctx context.Context, operationName, id string) (*store.ExecutionInfo, error) {
	if info, ok := c.frozen[id]; ok {
		cp := *info
		return &cp, nil
	}
	return c.MemoryExecutionInfoStore.Get(ctx, operationName, id)
}

func (c *laggingCache) GetPrimary(ctx context.Context, operationName, id string) (*store.ExecutionInfo, error) {
	return c.MemoryExecutionInfoStore.Get(ctx, operationName, id)
}

func (c *laggingCache) freeze(t *testing.T, id string) {
	info, err := c.MemoryExecutionInfoStore.Get(context.Background(), OperationName, id)
	require.NoError(t, err)
	c.frozen[id] = info
}

func TestLiquidatePositions_ChecksStateBehindCache(t *testing.T) {
	f := newFixture(t, false)
	cache := &laggingCache{MemoryExecutionInfoStore: store.NewMemoryExecutionInfoStore(), frozen: map[string]*store.ExecutionInfo{}}
	f.repo = NewRepository(cache)
	f.handler.repo = f.repo

	exec, _, err := f.repo.GetOrAdd(f.ctx, "op1", func() OperationData {
		return OperationData{State: StateStarted, AccountID: "acc1", Type: TypeNormal}
	})
	require.NoError(t, err)
	cache.freeze(t, "op1")
	exec.Data.State = StateSpecialLiquidationStarted
	require.NoError(t, f.repo.Save(f.ctx, exec))

	cached, err := f.repo.Get(f.ctx, "op1")
	require.NoError(t, err)
	require.Equal(t, StateStarted, cached.Data.State)

	require.NoError(t, f.handler.Handle(f.ctx, LiquidatePositionsCommand{
		Header:      Header{OperationID: "op1"},
		PositionIDs: []string{"g1"},
		AssetPairID: "GOLD",
		Direction:   model.DirectionShort,
	}))

	assert.Empty(t, f.closer.closed, "special liquidation owns the positions now")
	assert.Empty(t, f.sender.named("PositionsLiquidationFinished"))
}

// --- Executor ---

func TestExecutor_NotInProgressIsPermanent(t *testing.T) {
	f := newFixture(t, false)
	_, _, err := f.repo.GetOrAdd(f.ctx, "op1", func() OperationData {
		return OperationData{State: StateStarted, AccountID: "acc1"}
	})
	require.NoError(t, err)

	err = f.executor.Finish(f.ctx, "acc1", "op1", "done")

	assert.ErrorIs(t, err, ErrLiquidationNotInProgress)
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm))
	assert.Empty(t, f.external.events)
}

func TestExecutor_RejectsEmptyArguments(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.executor.Fail(f.ctx, "", "op1", "x"), ErrInvalidArgument)
	assert.ErrorIs(t, f.executor.Fail(f.ctx, "acc1", "", "x"), ErrInvalidArgument)
	assert.ErrorIs(t, f.executor.Fail(f.ctx, "acc1", "op1", ""), ErrInvalidArgument)
}

func TestExecutor_MissingStateIsNoop(t *testing.T) {
	f := newFixture(t, false)
	assert.NoError(t, f.executor.Finish(f.ctx, "acc1", "nope", "done"))
	assert.Empty(t, f.external.events)
}

// --- Fault injection ---

func TestFaults_WorkflowSurvivesCrashes(t *testing.T) {
	points := []FaultPoint{FaultStartAfterLock, FaultSagaAfterSave, FaultSagaBeforeSave}
	for _, point := range points {
		t.Run(string(point), func(t *testing.T) {
			f := newFixture(t, false)
			f.faults.remaining[point] = 1
			f.send(start("op1", TypeNormal))
			f.run()

			assert.Equal(t, StateFinished, f.state("op1").State)
			assert.ElementsMatch(t, []string{"g1", "e1", "e2"}, f.closer.closed)
			assert.Len(t, f.external.events, 1, "exactly one completion is published")
			assert.True(t, f.lockFree())
		})
	}
}

func TestRepository_SaveDetectsConcurrentWrite(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.handler.Handle(f.ctx, start("op1", TypeNormal)))
	f.sender.queue = nil

	// A concurrent writer advances the record between load and save.
	stale, err := f.repo.Get(f.ctx, "op1")
	require.NoError(t, err)
	fresh, err := f.repo.Get(f.ctx, "op1")
	require.NoError(t, err)
	require.NoError(t, f.repo.Save(f.ctx, fresh))

	stale.Data.State = StateStarted
	assert.ErrorIs(t, f.repo.Save(f.ctx, stale), store.ErrConcurrencyConflict)
}
