package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/constbus/pkg/errorir"
)

var ErrCycle = errors.New("workflow: dependency cycle")

// NodeFunc executes a DAG node. inputs holds the outputs of its dependencies.
type NodeFunc func(ctx context.Context, inputs map[string]any) (any, error)

// Node is one vertex of a DAG. Timeout bounds Execute; zero takes the
// DAG's node timeout.
type Node struct {
	ID         string
	DependsOn  []string
	Execute    NodeFunc
	Compensate StepFunc
	Timeout    time.Duration
}

// NodeStatus is the final state of a node in one run.
type NodeStatus string

const (
	NodeCompleted          NodeStatus = "completed"
	NodeFailed             NodeStatus = "failed"
	NodeSkipped            NodeStatus = "skipped"
	NodeCompensated        NodeStatus = "compensated"
	NodeCompensationFailed NodeStatus = "compensation_failed"
)

type NodeResult struct {
	ID     string     `json:"id"`
	Status NodeStatus `json:"status"`
	Wave   int        `json:"wave"`
	Output any        `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// DAGReport keeps every node's result, including partial results of waves
// in which some nodes failed.
type DAGReport struct {
	Results   map[string]NodeResult `json:"results"`
	Waves     [][]string            `json:"waves"`
	Cancelled bool                  `json:"cancelled"`
	Err       error                 `json:"-"`
}

// Failed lists the ids of failed nodes, sorted.
func (r DAGReport) Failed() []string {
	var out []string
	for id, res := range r.Results {
		if res.Status == NodeFailed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// DAG is validated once at construction. Nodes are stored by index,
// dependencies as indices, and waves are precomputed by topological level.
type DAG struct {
	nodes []Node
	deps  [][]int
	waves [][]int

	limit               int
	nodeTimeout         time.Duration
	compensationTimeout time.Duration
	logger              *slog.Logger
}

type DAGOption func(*DAG)

// WithConcurrency bounds the number of nodes running at once in a wave.
func WithConcurrency(n int) DAGOption { return func(d *DAG) { d.limit = n } }

// WithNodeTimeout sets the default deadline of a node's Execute.
func WithNodeTimeout(t time.Duration) DAGOption { return func(d *DAG) { d.nodeTimeout = t } }

func WithDAGCompensationTimeout(t time.Duration) DAGOption {
	return func(d *DAG) { d.compensationTimeout = t }
}

// NewDAG rejects duplicate ids, unknown dependencies and cycles before
// anything can run. A cycle is an integrity violation.
func NewDAG(nodes []Node, opts ...DAGOption) (*DAG, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == "" || n.Execute == nil {
			return nil, fmt.Errorf("%w: node %d needs an id and an execute operation", ErrStepDefinition, i)
		}
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, n.ID)
		}
		index[n.ID] = i
	}

	deps := make([][]int, len(nodes))
	dependents := make([][]int, len(nodes))
	indegree := make([]int, len(nodes))
	for i, n := range nodes {
		for _, d := range n.DependsOn {
			j, ok := index[d]
			if !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownDep, n.ID, d)
			}
			deps[i] = append(deps[i], j)
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	// Kahn's algorithm, one level at a time.
	var waves [][]int
	var current []int
	for i := range nodes {
		if indegree[i] == 0 {
			current = append(current, i)
		}
	}
	placed := 0
	for len(current) > 0 {
		waves = append(waves, current)
		placed += len(current)
		var next []int
		for _, i := range current {
			for _, k := range dependents[i] {
				indegree[k]--
				if indegree[k] == 0 {
					next = append(next, k)
				}
			}
		}
		sort.Ints(next)
		current = next
	}
	if placed != len(nodes) {
		var stuck []string
		for i, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, nodes[i].ID)
			}
		}
		return nil, errorir.Wrap(errorir.KindIntegrity, errorir.CodeCyclicGraph, "",
			fmt.Sprintf("cycle among %v", stuck), ErrCycle)
	}

	d := &DAG{
		nodes:               nodes,
		deps:                deps,
		waves:               waves,
		nodeTimeout:         30 * time.Second,
		compensationTimeout: 30 * time.Second,
		logger:              slog.Default().With("component", "dag"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Waves returns node ids grouped by topological level.
func (d *DAG) Waves() [][]string {
	out := make([][]string, len(d.waves))
	for w, wave := range d.waves {
		for _, i := range wave {
			out[w] = append(out[w], d.nodes[i].ID)
		}
	}
	return out
}

// Run executes wave by wave. Every node of a wave resolves before the next
// wave starts. Nodes whose dependencies did not complete are skipped. If
// ctx is cancelled, remaining nodes are skipped and completed nodes are
// compensated in reverse order.
func (d *DAG) Run(ctx context.Context) DAGReport {
	report := DAGReport{Results: make(map[string]NodeResult, len(d.nodes)), Waves: d.Waves()}
	outputs := make([]any, len(d.nodes))
	status := make([]NodeStatus, len(d.nodes))
	var order []int // completion order across waves

	for w, wave := range d.waves {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		var mu sync.Mutex
		var g errgroup.Group
		if d.limit > 0 {
			g.SetLimit(d.limit)
		}
		for _, i := range wave {
			inputs, ready := d.inputs(i, status, outputs)
			if !ready {
				mu.Lock()
				status[i] = NodeSkipped
				report.Results[d.nodes[i].ID] = NodeResult{ID: d.nodes[i].ID, Status: NodeSkipped, Wave: w, Error: "dependency did not complete"}
				mu.Unlock()
				continue
			}
			g.Go(func() error {
				out, err := d.execute(ctx, i, inputs)
				mu.Lock()
				defer mu.Unlock()
				res := NodeResult{ID: d.nodes[i].ID, Wave: w}
				if err != nil {
					status[i] = NodeFailed
					res.Status = NodeFailed
					res.Error = err.Error()
				} else {
					status[i] = NodeCompleted
					outputs[i] = out
					res.Status = NodeCompleted
					res.Output = out
					order = append(order, i)
				}
				report.Results[d.nodes[i].ID] = res
				return nil
			})
		}
		_ = g.Wait()
	}

	for i, n := range d.nodes {
		if _, ok := report.Results[n.ID]; !ok {
			status[i] = NodeSkipped
			report.Results[n.ID] = NodeResult{ID: n.ID, Status: NodeSkipped, Error: "run cancelled"}
		}
	}

	if ctx.Err() != nil {
		report.Cancelled = true
		report.Err = errorir.Wrap(errorir.KindWorkflowStep, errorir.CodeCancelled, "", "dag run cancelled", ctx.Err())
		d.compensate(ctx, order, &report)
		return report
	}
	if failed := report.Failed(); len(failed) > 0 {
		report.Err = errorir.New(errorir.KindWorkflowStep, errorir.CodeStepFailed, "", fmt.Sprintf("nodes failed: %v", failed))
	}
	return report
}

type nodeOutcome struct {
	out any
	err error
}

// execute runs node i under its deadline. A node that ignores its context
// is abandoned when the deadline passes and recorded as failed.
func (d *DAG) execute(ctx context.Context, i int, inputs map[string]any) (any, error) {
	n := d.nodes[i]
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = d.nodeTimeout
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan nodeOutcome, 1)
	go func() {
		out, err := n.Execute(nctx, inputs)
		ch <- nodeOutcome{out, err}
	}()
	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() == nil && errors.Is(nctx.Err(), context.DeadlineExceeded) {
			return nil, errorir.Wrap(errorir.KindWorkflowStep, errorir.CodeStepTimeout, "",
				fmt.Sprintf("node %s timed out after %s", n.ID, timeout), o.err)
		}
		return o.out, o.err
	case <-nctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errorir.Wrap(errorir.KindWorkflowStep, errorir.CodeStepTimeout, "",
			fmt.Sprintf("node %s timed out after %s", n.ID, timeout), nctx.Err())
	}
}

func (d *DAG) inputs(i int, status []NodeStatus, outputs []any) (map[string]any, bool) {
	inputs := make(map[string]any, len(d.deps[i]))
	for _, j := range d.deps[i] {
		if status[j] != NodeCompleted {
			return nil, false
		}
		inputs[d.nodes[j].ID] = outputs[j]
	}
	return inputs, true
}

func (d *DAG) compensate(ctx context.Context, order []int, report *DAGReport) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.compensationTimeout)
	defer cancel()
	for k := len(order) - 1; k >= 0; k-- {
		n := d.nodes[order[k]]
		res := report.Results[n.ID]
		if n.Compensate == nil {
			continue
		}
		if err := n.Compensate(cctx); err != nil {
			res.Status = NodeCompensationFailed
			res.Error = err.Error()
			report.Results[n.ID] = res
			d.logger.ErrorContext(ctx, "dag compensation failed, rollback halted", "node", n.ID, "error", err)
			return
		}
		res.Status = NodeCompensated
		report.Results[n.ID] = res
	}
}
