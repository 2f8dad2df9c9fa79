package scenario

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/session"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
)

// ErrorKind — класс ошибки, который сценарий может ожидать или внедрять.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindNotFound           ErrorKind = "not_found"
	KindLocked             ErrorKind = "locked"
	KindWriteConflict      ErrorKind = "write_conflict"
	KindFetch              ErrorKind = "fetch"
	KindNotReady           ErrorKind = "not_ready"
	KindMutationInProgress ErrorKind = "mutation_in_progress"
	KindRateLimited        ErrorKind = "rate_limited"
)

var errorKinds = map[ErrorKind]error{
	KindValidation:         domain.ErrValidation,
	KindNotFound:           domain.ErrNotFound,
	KindLocked:             domain.ErrLockedState,
	KindWriteConflict:      domain.ErrWriteConflict,
	KindFetch:              domain.ErrFetch,
	KindNotReady:           domain.ErrNotReady,
	KindMutationInProgress: domain.ErrMutationInProgress,
	KindRateLimited:        session.ErrRateLimited,
}

var operations = map[string]memory.Operation{
	string(memory.OpFetchCatalog):    memory.OpFetchCatalog,
	string(memory.OpFetchOrder):      memory.OpFetchOrder,
	string(memory.OpFetchOrderLines): memory.OpFetchOrderLines,
	string(memory.OpCreateLine):      memory.OpCreateLine,
	string(memory.OpIncrementLine):   memory.OpIncrementLine,
	string(memory.OpActivateOrder):   memory.OpActivateOrder,
}

// Matches сообщает, относится ли err к виду kind.
func (k ErrorKind) Matches(err error) bool {
	sentinel, ok := errorKinds[k]
	return ok && errors.Is(err, sentinel)
}

// Result содержит итог сценария.
type Result struct {
	Name     string   `json:"name"`
	Pass     bool     `json:"pass"`
	Steps    int      `json:"steps"`
	Failures []string `json:"failures,omitempty"`
}

// Runner проигрывает сценарии. Каждый сценарий получает свой коллаборатор и менеджер сессий.
type Runner struct {
	logger  *log.Entry
	metrics *metrics.SyncMetrics
}

// NewRunner создаёт Runner. Метрики могут быть nil.
func NewRunner(logger *log.Entry, m *metrics.SyncMetrics) *Runner {
	if logger == nil {
		logger = log.WithField("component", "scenario")
	}
	return &Runner{logger: logger, metrics: m}
}

type run struct {
	sc      *Scenario
	collab  *memory.Collaborator
	manager *session.Manager
	result  *Result
}

// Run выполняет сценарий. Ошибка возвращается только при невозможности
// подготовить данные; несовпадения ожиданий попадают в Result.Failures.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (Result, error) {
	if err := sc.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid scenario: %w", err)
	}
	collab, err := memory.NewSeededCollaborator(sc.Seed)
	if err != nil {
		return Result{}, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	opts := session.Options{
		Logger:     r.logger.WithField("scenario", sc.Name),
		Metrics:    r.metrics,
		SelectRate: rate.Inf,
	}
	if sc.Limits != nil {
		opts.SelectRate = rate.Limit(sc.Limits.SelectRate)
		opts.SelectBurst = sc.Limits.SelectBurst
	}
	manager := session.NewManager(collab, opts)
	defer manager.CloseAll()

	result := Result{Name: sc.Name}
	rn := &run{sc: sc, collab: collab, manager: manager, result: &result}
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rn.step(ctx, fmt.Sprintf("step %d (%s)", i+1, step.describe()), step)
		result.Steps++
	}
	if sc.Expect != nil {
		rn.check(ctx, "final", *sc.Expect)
	}

	result.Pass = len(result.Failures) == 0
	r.logger.WithFields(log.Fields{
		"scenario": sc.Name,
		"pass":     result.Pass,
		"failures": len(result.Failures),
	}).Debug("scenario finished")
	return result, nil
}

func (rn *run) failf(label, format string, args ...any) {
	rn.result.Failures = append(rn.result.Failures, label+": "+fmt.Sprintf(format, args...))
}

func (rn *run) step(ctx context.Context, label string, step Step) {
	err := rn.act(ctx, step)
	switch {
	case step.ExpectError != "" && err == nil:
		rn.failf(label, "expected %s error, got none", step.ExpectError)
	case step.ExpectError != "" && !ErrorKind(step.ExpectError).Matches(err):
		rn.failf(label, "expected %s error, got %v", step.ExpectError, err)
	case step.ExpectError == "" && err != nil:
		rn.failf(label, "unexpected error: %v", err)
	}
	if step.Expect != nil {
		rn.check(ctx, label, *step.Expect)
	}
}

func (rn *run) act(ctx context.Context, step Step) error {
	switch {
	case step.Fail != nil:
		kind := ErrorKind(step.Fail.Error)
		if kind == "" {
			kind = KindFetch
		}
		rn.collab.InjectFailure(operations[step.Fail.Op], fmt.Errorf("%w: injected failure", errorKinds[kind]))
		return nil
	case step.Heal != "":
		rn.collab.InjectFailure(operations[step.Heal], nil)
		return nil
	}

	sess, err := rn.manager.Open(ctx, rn.sc.Order)
	if err != nil {
		return err
	}
	switch {
	case step.Select != "":
		return sess.SelectProduct(ctx, step.Select)
	case step.Activate:
		return sess.Activate(ctx)
	case step.Retry:
		return sess.Retry(ctx)
	case step.SortCatalog != nil:
		spec, err := domain.ParseSortSpec(step.SortCatalog.Key, step.SortCatalog.Direction)
		if err != nil {
			return err
		}
		sess.SortCatalog(spec)
	case step.SortOrder != nil:
		spec, err := domain.ParseSortSpec(step.SortOrder.Key, step.SortOrder.Direction)
		if err != nil {
			return err
		}
		sess.SortOrder(spec)
	}
	return nil
}

func (rn *run) check(ctx context.Context, label string, want Expect) {
	sess, err := rn.manager.Open(ctx, rn.sc.Order)
	if err != nil {
		rn.failf(label, "cannot inspect session: %v", err)
		return
	}
	cat := sess.Catalog.Snapshot()
	ord := sess.Order.Snapshot()

	if want.State != "" && string(ord.State) != want.State {
		rn.failf(label, "state = %s, want %s", ord.State, want.State)
	}
	if want.Status != "" && string(ord.Status) != want.Status {
		rn.failf(label, "status = %s, want %s", ord.Status, want.Status)
	}
	if want.Locked != nil && cat.Locked != *want.Locked {
		rn.failf(label, "locked = %t, want %t", cat.Locked, *want.Locked)
	}
	if want.Lines != nil {
		got := make(map[string]int, len(ord.Lines))
		for _, line := range ord.Lines {
			got[line.EntryID] = line.Quantity
		}
		if !maps.Equal(got, want.Lines) {
			rn.failf(label, "lines = %v, want %v", got, want.Lines)
		}
	}
	if want.TotalQuantity != nil && ord.Totals.Quantity != *want.TotalQuantity {
		rn.failf(label, "total quantity = %d, want %d", ord.Totals.Quantity, *want.TotalQuantity)
	}
	if want.TotalAmount != "" {
		amount, err := decimal.NewFromString(want.TotalAmount)
		switch {
		case err != nil:
			rn.failf(label, "bad totalAmount %q: %v", want.TotalAmount, err)
		case !ord.Totals.Amount.Equal(amount):
			rn.failf(label, "total amount = %s, want %s", ord.Totals.Amount, amount)
		}
	}
	if want.CatalogOrder != nil {
		got := make([]string, 0, len(cat.Rows))
		for _, row := range cat.Rows {
			got = append(got, row.Entry.EntryID)
		}
		if !slices.Equal(got, want.CatalogOrder) {
			rn.failf(label, "catalog order = %v, want %v", got, want.CatalogOrder)
		}
	}
	if want.OrderLines != nil {
		got := make([]string, 0, len(ord.Lines))
		for _, line := range ord.Lines {
			got = append(got, line.EntryID)
		}
		if !slices.Equal(got, want.OrderLines) {
			rn.failf(label, "order lines = %v, want %v", got, want.OrderLines)
		}
	}
	if want.Notices != nil {
		drained := sess.Notices.Drain()
		got := make([]string, 0, len(drained))
		for _, n := range drained {
			got = append(got, n.Message)
		}
		if !slices.Equal(got, want.Notices) {
			rn.failf(label, "notices = %q, want %q", got, want.Notices)
		}
	}
	if want.LastError != "" &&
		!strings.Contains(ord.LastError, want.LastError) &&
		!strings.Contains(cat.LastError, want.LastError) {
		rn.failf(label, "last error %q / %q does not contain %q", ord.LastError, cat.LastError, want.LastError)
	}
}
