package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Outcome scripts one Transfer call on a SimulatedGateway.
type Outcome int

const (
	OutcomeConfirm Outcome = iota
	OutcomeFail            // definitive rejection, nothing moved
	OutcomeError           // transport error, nothing moved
	OutcomeLost            // funds move but the caller sees a transport error
	OutcomePending         // accepted, confirmation comes on a later query
)

// SimulatedGateway is an in-memory custody network. It honours idempotency
// keys like a real network: a confirmed key is never paid twice.
type SimulatedGateway struct {
	mu        sync.Mutex
	balance   int64
	script    []Outcome
	transfers map[string]*simTransfer

	sendCalls  int
	queryCalls int
}

type simTransfer struct {
	destination string
	amount      int64
	status      Status
	reference   string
	queries     int // pending transfers confirm on their second query
}

func NewSimulatedGateway(balance int64) *SimulatedGateway {
	return &SimulatedGateway{
		balance:   balance,
		transfers: make(map[string]*simTransfer),
	}
}

var _ Gateway = (*SimulatedGateway)(nil)

// Script queues outcomes for the next Transfer calls; unscripted calls confirm.
func (g *SimulatedGateway) Script(outcomes ...Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, outcomes...)
}

func (g *SimulatedGateway) Transfer(ctx context.Context, destination string, amount int64, key string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendCalls++

	if t, ok := g.transfers[key]; ok && t.status != StatusFailed {
		return Result{Status: t.status, Reference: t.reference}, nil
	}

	outcome := OutcomeConfirm
	if len(g.script) > 0 {
		outcome = g.script[0]
		g.script = g.script[1:]
	}

	switch outcome {
	case OutcomeFail:
		g.transfers[key] = &simTransfer{destination: destination, amount: amount, status: StatusFailed}
		return Result{Status: StatusFailed, Message: "rejected by network"}, nil
	case OutcomeError:
		return Result{}, fmt.Errorf("%w: connection reset", ErrUnavailable)
	}

	if amount > g.balance {
		g.transfers[key] = &simTransfer{destination: destination, amount: amount, status: StatusFailed}
		return Result{Status: StatusFailed, Message: "insufficient custodial balance"}, nil
	}
	g.balance -= amount
	t := &simTransfer{destination: destination, amount: amount, status: StatusConfirmed, reference: "sim-" + uuid.NewString()}
	g.transfers[key] = t

	switch outcome {
	case OutcomeLost:
		return Result{}, fmt.Errorf("%w: timeout awaiting response", ErrUnavailable)
	case OutcomePending:
		t.status = StatusPending
		return Result{Status: StatusPending}, nil
	}
	return Result{Status: StatusConfirmed, Reference: t.reference}, nil
}

func (g *SimulatedGateway) QueryTransfer(ctx context.Context, key string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++

	t, ok := g.transfers[key]
	if !ok {
		return Result{Status: StatusNotFound}, nil
	}
	if t.status == StatusPending {
		t.queries++
		if t.queries > 1 {
			t.status = StatusConfirmed
		}
	}
	return Result{Status: t.status, Reference: t.reference}, nil
}

func (g *SimulatedGateway) Balance(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

// Deposit credits the custodial wallet, standing in for an inbound transfer.
func (g *SimulatedGateway) Deposit(amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance += amount
}

// Paid returns how many distinct keys moved funds to destination.
func (g *SimulatedGateway) Paid(destination string) (count int, total int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.transfers {
		if t.destination == destination && t.reference != "" {
			count++
			total += t.amount
		}
	}
	return count, total
}

// Calls returns how many Transfer and QueryTransfer calls were made.
func (g *SimulatedGateway) Calls() (sends, queries int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendCalls, g.queryCalls
}
